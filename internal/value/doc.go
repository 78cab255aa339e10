// Package value provides the dynamic value model shared by the state tree,
// the reactive layer and the data pipeline.
//
// A Value is one of Null, Bool, Int, Float, String, Array or Object. The
// package imports nothing internal so every other package can depend on it.
//
// Key design constraints:
//   - Object and Array are treated as immutable once published into the
//     state tree; writers copy along the path they change
//   - Equal is structural; Int and Float compare numerically
//   - MarshalCanonical is the only serialization used for cache keys and
//     hashes (sorted keys, NFC strings, no HTML escaping)
package value
