// Package resolve turns hostnames into addresses of a single address family.
//
// Resolver has three implementations: System (the Go resolver), DNS (a
// miekg/dns client talking to one explicit nameserver) and Group, which
// collapses concurrent lookups of the same name into one query.
package resolve
