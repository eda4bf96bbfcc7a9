// Package probe drives a single SMTP probe: connect, EHLO, optional
// STARTTLS, optional AUTH, optional VRFY, send the test message and QUIT.
//
// Each step either lets the run proceed, finishes it early (a successful
// quick VRFY), or fails it with an *Error whose Kind determines the process
// exit code. The first failure ends the run.
package probe
