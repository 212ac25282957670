package retrieval

import (
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Estimator counts the tokens a text will consume in a model context.
type Estimator interface {
	Count(text string) int
}

// NewEstimator returns a tiktoken-backed estimator for the model, falling
// back to the character heuristic when the encoding is unavailable (unknown
// model, or no access to the BPE files).
func NewEstimator(model string, logger *zap.Logger) Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		logger.Warn("tiktoken encoding unavailable, using character estimator",
			zap.String("model", model),
			zap.Error(err))
		return HeuristicEstimator{}
	}
	return &tiktokenEstimator{enc: enc}
}

type tiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

func (e *tiktokenEstimator) Count(text string) int {
	return len(e.enc.Encode(text, nil, nil))
}

// HeuristicEstimator approximates token counts without a tokenizer: CJK
// characters count one token each, everything else averages four characters
// per token. Overestimates slightly, which errs on the safe side for budget
// fitting.
type HeuristicEstimator struct{}

// Count implements Estimator.
func (HeuristicEstimator) Count(text string) int {
	cjk := 0
	other := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	tokens := cjk + (other+3)/4
	if tokens == 0 && len(text) > 0 {
		tokens = 1
	}
	return tokens
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // CJK unified ideographs
		return true
	case r >= 0x3040 && r <= 0x30FF: // hiragana and katakana
		return true
	case r >= 0xAC00 && r <= 0xD7AF: // hangul syllables
		return true
	}
	return false
}
