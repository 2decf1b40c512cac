// Package tokens estimates token counts for streamed agent output.
//
// The estimate only has to be monotonic across a stream, not exact:
// the supervisor compares it against a coarse context limit.
package tokens

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Method selects the estimation strategy.
type Method string

const (
	// MethodAccurateBPE tokenizes with the cl100k_base BPE vocabulary.
	MethodAccurateBPE Method = "accurate-bpe"
	// MethodByteRatio estimates len(text)/4.
	MethodByteRatio Method = "byte-ratio"
	// MethodCharRatio estimates codepoints/4.
	MethodCharRatio Method = "char-ratio"
)

// ParseMethod validates a method string from config.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodAccurateBPE, MethodByteRatio, MethodCharRatio:
		return Method(s), nil
	case "":
		return MethodAccurateBPE, nil
	}
	return "", fmt.Errorf("unknown token estimator %q", s)
}

// Estimator counts approximate tokens in text fragments.
type Estimator struct {
	method Method
	bpe    *tiktoken.Tiktoken
}

// NewEstimator builds an estimator for the given method. When the BPE
// vocabulary cannot be initialized the estimator silently falls back
// to the byte-ratio method.
func NewEstimator(method Method) *Estimator {
	est := &Estimator{method: method}
	if method == MethodAccurateBPE {
		if enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE); err == nil {
			est.bpe = enc
		}
	}
	return est
}

// Method reports the configured estimation method.
func (e *Estimator) Method() Method {
	return e.method
}

// Count returns the approximate token count of text. Never negative.
func (e *Estimator) Count(text string) int {
	switch e.method {
	case MethodAccurateBPE:
		if e.bpe != nil {
			return len(e.bpe.Encode(text, nil, nil))
		}
		return len(text) / 4
	case MethodCharRatio:
		return utf8.RuneCountInString(text) / 4
	default:
		return len(text) / 4
	}
}
