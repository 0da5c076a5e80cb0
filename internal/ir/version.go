package ir

// Version constants for persisted formats and the engine.
const (
	// SnapshotVersion is the snapshot encoding version. Restore refuses
	// snapshots written with a different version.
	SnapshotVersion = "1"

	// EngineVersion is the tickflow engine version.
	EngineVersion = "0.1.0"
)
