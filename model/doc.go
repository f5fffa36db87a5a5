// Package model defines the shared data types of the stratum engine:
// identifiers, log sequence numbers, collection configuration, vector
// records and the error taxonomy used across all subsystems.
//
// The package has no dependencies on other stratum packages so that every
// layer (WAL, index, segments, orchestrator, tiering) can share these
// types without cycles.
package model
