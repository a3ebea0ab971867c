// Package manager is the entity service layer: it enforces business
// invariants on clusters, services, mappings, proxies and users, and
// coordinates the CA, license gate, audit log and snapshot cache.
package manager
