package analytics

import (
	"encoding/json"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/embedchat/agent-gateway/internal/domain"
)

// estimator lazily loads a cl100k codec and tallies an approximate
// token count for a transcript. Only string contents contribute;
// structured content (image parts and the like) counts as zero.
type estimator struct {
	once  sync.Once
	codec tokenizer.Codec
	err   error
}

func (e *estimator) count(messages []domain.ChatMessage) int {
	e.once.Do(func() {
		e.codec, e.err = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if e.err != nil {
		return 0
	}

	total := 0
	for _, m := range messages {
		var text string
		if err := json.Unmarshal(m.Content, &text); err != nil {
			continue
		}
		ids, _, err := e.codec.Encode(text)
		if err != nil {
			continue
		}
		total += len(ids)
	}
	return total
}
