package imgdb

import "image"

// SignatureFunc is the external image/signature contract: callers supply
// the image decode/resize/transform pipeline; this package only consumes
// its output.
type SignatureFunc func(img image.Image, id uint64) (Signature, error)

// config holds construction-time options, built via functional options.
type config struct {
	sigFunc      SignatureFunc
	simpleHasSigCache bool
}

// Option configures a new or opened DbSpace.
type Option func(*config)

// WithSignatureFunc supplies the compute_signature collaborator used by
// AddImage/AddImageBlob. Not required if callers only ever use AddImageData
// with signatures they computed themselves.
func WithSignatureFunc(fn SignatureFunc) Option {
	return func(c *config) { c.sigFunc = fn }
}

// WithSimpleSigCache enables the optional SigCache in simple mode. Without
// it, full-signature reads are unsupported in simple mode.
func WithSimpleSigCache(enabled bool) Option {
	return func(c *config) { c.simpleHasSigCache = enabled }
}

func defaultConfig() *config {
	return &config{}
}
