package emotion

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode"
)

const (
	// PadID fills positions past the last token.
	PadID int32 = 0
	// UnkID stands for words a frozen vocabulary does not know.
	UnkID int32 = 1
	// DefaultMaxLength is the sequence length the reference model expects.
	DefaultMaxLength = 128

	firstWordID int32 = 2
)

// Encoding is the pair of fixed-length tensors fed to the inference engine.
type Encoding struct {
	IDs           []int32 `json:"input_ids"`
	AttentionMask []int32 `json:"attention_mask"`
}

// Validate checks the encoding has the expected length and that the mask
// is zero exactly at pad positions.
func (e Encoding) Validate(maxLength int) error {
	if len(e.IDs) != maxLength || len(e.AttentionMask) != maxLength {
		return fmt.Errorf("%w: encoding length ids=%d mask=%d, want %d",
			ErrInvalidInput, len(e.IDs), len(e.AttentionMask), maxLength)
	}
	for i, id := range e.IDs {
		if (id == PadID) != (e.AttentionMask[i] == 0) {
			return fmt.Errorf("%w: attention mask disagrees with ids at position %d", ErrInvalidInput, i)
		}
	}
	return nil
}

// Tokens returns the number of non-pad positions.
func (e Encoding) Tokens() int {
	n := 0
	for _, m := range e.AttentionMask {
		if m != 0 {
			n++
		}
	}
	return n
}

// Tokenizer maps text to a fixed-length encoding. Implementations must be
// safe for concurrent use.
type Tokenizer interface {
	Encode(text string) Encoding
	MaxLength() int
}

// VocabTokenizer is the placeholder word-level tokenizer. Unless frozen, it
// grows its vocabulary on the fly: an unseen word gets the next free id in
// encounter order, starting at 2, and keeps it for the tokenizer's lifetime.
type VocabTokenizer struct {
	mu        sync.Mutex
	maxLength int
	vocab     map[string]int32
	next      int32
	frozen    bool
	limit     int
}

// NewTokenizer returns a growing tokenizer. A non-positive maxLength means
// DefaultMaxLength.
func NewTokenizer(maxLength int) *VocabTokenizer {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &VocabTokenizer{
		maxLength: maxLength,
		vocab:     make(map[string]int32),
		next:      firstWordID,
	}
}

// NewFrozenTokenizer returns a tokenizer over a fixed vocabulary. Words
// outside it encode as UnkID.
func NewFrozenTokenizer(maxLength int, vocab map[string]int32) *VocabTokenizer {
	t := NewTokenizer(maxLength)
	for w, id := range vocab {
		t.vocab[w] = id
		if id >= t.next {
			t.next = id + 1
		}
	}
	t.frozen = true
	return t
}

// WithLimit caps the growing vocabulary at n words; later unseen words
// encode as UnkID. Zero means unlimited.
func (t *VocabTokenizer) WithLimit(n int) *VocabTokenizer {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limit = n
	return t
}

// MaxLength returns the fixed sequence length.
func (t *VocabTokenizer) MaxLength() int {
	return t.maxLength
}

// VocabSize returns the number of known words.
func (t *VocabTokenizer) VocabSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.vocab)
}

// Encode lowercases text, splits it on non-alphanumeric runs, keeps the
// first MaxLength words and right-pads with PadID.
func (t *VocabTokenizer) Encode(text string) Encoding {
	words := Words(text)
	if len(words) > t.maxLength {
		words = words[:t.maxLength]
	}

	ids := make([]int32, t.maxLength)
	mask := make([]int32, t.maxLength)

	t.mu.Lock()
	for i, w := range words {
		ids[i] = t.lookup(w)
		mask[i] = 1
	}
	t.mu.Unlock()

	return Encoding{IDs: ids, AttentionMask: mask}
}

func (t *VocabTokenizer) lookup(word string) int32 {
	if id, ok := t.vocab[word]; ok {
		return id
	}
	if t.frozen || (t.limit > 0 && len(t.vocab) >= t.limit) {
		return UnkID
	}
	id := t.next
	t.vocab[word] = id
	t.next++
	return id
}

// Words lowercases text and returns its alphanumeric runs.
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// LoadVocabulary reads one token per line; a token's id is its zero-based
// line number, so ids line up with the model's embedding rows. Lines 0 and 1
// are the pad and unknown rows whatever they contain. Tokens are lowercased
// to match Encode; blank lines keep their row but name no token, and a token
// repeated after case folding keeps the id of its first line.
func LoadVocabulary(r io.Reader) (map[string]int32, error) {
	vocab := make(map[string]int32)

	sc := bufio.NewScanner(r)
	for line := int32(0); sc.Scan(); line++ {
		if line < firstWordID {
			continue
		}
		tok := strings.ToLower(strings.TrimSpace(sc.Text()))
		if tok == "" {
			continue
		}
		if _, seen := vocab[tok]; !seen {
			vocab[tok] = line
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	return vocab, nil
}
