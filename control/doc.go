// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime introspection for the command line front end: named probes that
// report relay state and process metrics on demand.
package control
