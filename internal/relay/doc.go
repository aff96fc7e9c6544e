// Package relay defines the core types and collaborator interfaces shared by
// the coalescing engine, the fan-out dispatcher, and the inbound/outbound
// transports of the Plex relay.
package relay
