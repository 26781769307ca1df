// Package ir provides the compiled rule representation shared by the
// compiler, the rule engine and the appender pipeline.
//
// This package contains type definitions and canonical encoding only. All
// other internal packages may import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Rules are plain data; behaviour lives in the engine and action registry
//   - All JSON tags use snake_case
//   - Canonical JSON (RFC 8785 key order, NFC strings) is the only encoding
//     used for hashing and for document comparison
package ir
