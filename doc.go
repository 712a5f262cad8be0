// Package imgdb implements the core of a content-based image similarity
// database: a perceptual-signature inverted index that answers "find the N
// images most visually similar to this query image" in sub-linear time.
//
// The package owns the signature representation, the BucketStore inverted
// index over Haar-wavelet coefficients, the scoring/query engine, and the
// on-disk file format shared by three operating modes (Normal, Simple,
// Alter). Image decoding, resizing, and the YIQ/Haar transform itself are
// external collaborators: callers supply a SignatureFunc.
package imgdb
