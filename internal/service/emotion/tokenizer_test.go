package emotion

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func checkInvariants(t *testing.T, enc Encoding, maxLength int) {
	t.Helper()
	if len(enc.IDs) != maxLength {
		t.Fatalf("expected %d ids, got %d", maxLength, len(enc.IDs))
	}
	if len(enc.AttentionMask) != maxLength {
		t.Fatalf("expected %d mask entries, got %d", maxLength, len(enc.AttentionMask))
	}
	for i := range enc.IDs {
		if (enc.IDs[i] == PadID) != (enc.AttentionMask[i] == 0) {
			t.Errorf("position %d: id=%d mask=%d", i, enc.IDs[i], enc.AttentionMask[i])
		}
	}
}

func TestTokenizer_Invariants(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"I am so happy today.",
		"!!!???",
		"Ünïcödé wörds, 123 numbers & symbols",
		strings.Repeat("word ", 300),
	}

	for _, in := range inputs {
		tok := NewTokenizer(DefaultMaxLength)
		enc := tok.Encode(in)
		checkInvariants(t, enc, DefaultMaxLength)
		if err := enc.Validate(DefaultMaxLength); err != nil {
			t.Errorf("Validate(%q): %v", in, err)
		}
	}
}

func TestTokenizer_AssignsIdsInEncounterOrder(t *testing.T) {
	tok := NewTokenizer(8)

	enc := tok.Encode("I am so happy, I AM!")

	want := []int32{2, 3, 4, 5, 2, 3, 0, 0}
	for i, id := range want {
		if enc.IDs[i] != id {
			t.Errorf("ids[%d] = %d, want %d (ids=%v)", i, enc.IDs[i], id, enc.IDs)
		}
	}
	if enc.Tokens() != 6 {
		t.Errorf("expected 6 tokens, got %d", enc.Tokens())
	}
}

func TestTokenizer_DeterministicWithinVocabulary(t *testing.T) {
	tok := NewTokenizer(DefaultMaxLength)

	first := tok.Encode("the quick brown fox")
	second := tok.Encode("the quick brown fox")

	for i := range first.IDs {
		if first.IDs[i] != second.IDs[i] {
			t.Fatalf("encodings differ at %d: %v vs %v", i, first.IDs, second.IDs)
		}
	}
}

func TestTokenizer_VocabularyGrowsAcrossCalls(t *testing.T) {
	tok := NewTokenizer(4)

	tok.Encode("alpha beta")
	enc := tok.Encode("gamma alpha")

	if enc.IDs[0] != 4 {
		t.Errorf("expected new word gamma to get id 4, got %d", enc.IDs[0])
	}
	if enc.IDs[1] != 2 {
		t.Errorf("expected known word alpha to keep id 2, got %d", enc.IDs[1])
	}
	if tok.VocabSize() != 3 {
		t.Errorf("expected vocabulary of 3, got %d", tok.VocabSize())
	}
}

func TestTokenizer_TruncatesFromTail(t *testing.T) {
	tok := NewTokenizer(3)

	enc := tok.Encode("one two three four five")

	want := []int32{2, 3, 4}
	for i := range want {
		if enc.IDs[i] != want[i] {
			t.Errorf("ids[%d] = %d, want %d", i, enc.IDs[i], want[i])
		}
	}
	if tok.VocabSize() != 3 {
		t.Errorf("dropped words must not enter the vocabulary, size=%d", tok.VocabSize())
	}
}

func TestTokenizer_LimitMapsToUnknown(t *testing.T) {
	tok := NewTokenizer(4).WithLimit(2)

	enc := tok.Encode("a b c a")

	want := []int32{2, 3, UnkID, 2}
	for i := range want {
		if enc.IDs[i] != want[i] {
			t.Errorf("ids[%d] = %d, want %d", i, enc.IDs[i], want[i])
		}
	}
}

func TestLoadVocabulary_IDsAreLineNumbers(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  map[string]int32
	}{
		{
			name:  "case-folded duplicate keeps its row",
			input: "[PAD]\n[UNK]\nHello\nhello\nworld",
			want:  map[string]int32{"hello": 2, "world": 4},
		},
		{
			name:  "blank line keeps its row",
			input: "[PAD]\n[UNK]\ngood\n\nbad\n",
			want:  map[string]int32{"good": 2, "bad": 4},
		},
		{
			name:  "first two rows are reserved",
			input: "<pad>\n<unk>\nfine",
			want:  map[string]int32{"fine": 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vocab, err := LoadVocabulary(strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("LoadVocabulary: %v", err)
			}
			if len(vocab) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, vocab)
			}
			for tok, id := range tt.want {
				if got, ok := vocab[tok]; !ok || got != id {
					t.Errorf("%q = %d (present %v), want %d", tok, got, ok, id)
				}
			}
		})
	}
}

func TestFrozenTokenizer(t *testing.T) {
	vocab, err := LoadVocabulary(strings.NewReader("[PAD]\n[UNK]\nHappy\nsad\n\nhappy\n"))
	if err != nil {
		t.Fatalf("LoadVocabulary: %v", err)
	}
	if len(vocab) != 2 {
		t.Fatalf("expected 2 tokens, got %d: %v", len(vocab), vocab)
	}
	if vocab["happy"] != 2 || vocab["sad"] != 3 {
		t.Errorf("unexpected ids: %v", vocab)
	}

	tok := NewFrozenTokenizer(4, vocab)
	enc := tok.Encode("sad but happy")

	want := []int32{3, UnkID, 2, PadID}
	for i := range want {
		if enc.IDs[i] != want[i] {
			t.Errorf("ids[%d] = %d, want %d", i, enc.IDs[i], want[i])
		}
	}
	if tok.VocabSize() != 2 {
		t.Errorf("frozen vocabulary grew to %d", tok.VocabSize())
	}
}

func TestEncoding_Validate(t *testing.T) {
	tests := []struct {
		name string
		enc  Encoding
	}{
		{"short ids", Encoding{IDs: []int32{2}, AttentionMask: []int32{1, 0}}},
		{"short mask", Encoding{IDs: []int32{2, 0}, AttentionMask: []int32{1}}},
		{"mask on pad", Encoding{IDs: []int32{2, 0}, AttentionMask: []int32{1, 1}}},
		{"no mask on token", Encoding{IDs: []int32{2, 3}, AttentionMask: []int32{1, 0}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.enc.Validate(2); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestTokenizer_ConcurrentEncode(t *testing.T) {
	tok := NewTokenizer(16)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tok.Encode("one two three four five six")
			}
		}()
	}
	wg.Wait()

	if tok.VocabSize() != 6 {
		t.Errorf("expected 6 distinct words, got %d", tok.VocabSize())
	}
}

func TestWords(t *testing.T) {
	got := Words("Hello, WORLD! it's 2pm")
	want := []string{"hello", "world", "it", "s", "2pm"}

	if len(got) != len(want) {
		t.Fatalf("Words = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("word %d = %q, want %q", i, got[i], want[i])
		}
	}
}
