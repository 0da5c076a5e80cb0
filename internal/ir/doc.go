// Package ir provides the identity and payload types shared by every
// tickflow package.
//
// This package contains value types only. All other internal packages
// import ir; ir imports nothing internal. This keeps identities and
// payloads the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - NO float types anywhere - Number is int64 so canonical output is
//     byte-identical across runs and platforms
//   - Identities (SourceID, ScopeID, NodeAddress, ItemKey) are immutable
//     once minted
//   - ScopeID ancestry is encoded in the value itself; it is never looked up
//   - Logical markers (tick, seq) only, never wall-clock timestamps, for
//     ordering
package ir
