// Package reference holds the canonical reference text as an immutable,
// in-memory index of words keyed by (surah, ayah, word).
//
// The index is loaded once at process start and shared read-only by every
// session; none of its methods mutate state, so no locking is required.
//
// Besides word lookup the index keeps a flattened phoneme sequence of the
// whole text, with a phoneme→word map and per-word offsets, which is what the
// alignment engine searches over.
package reference

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
)

// ErrEmpty is returned when an index would contain no words.
var ErrEmpty = errors.New("reference: no words")

// Key identifies one canonical word.
type Key struct {
	Surah int
	Ayah  int
	Word  int
}

// String renders the key as "surah:ayah:word".
func (k Key) String() string {
	return strconv.Itoa(k.Surah) + ":" + strconv.Itoa(k.Ayah) + ":" + strconv.Itoa(k.Word)
}

// Compare orders keys by surah, then ayah, then word.
func (k Key) Compare(o Key) int {
	if k.Surah != o.Surah {
		return k.Surah - o.Surah
	}
	if k.Ayah != o.Ayah {
		return k.Ayah - o.Ayah
	}
	return k.Word - o.Word
}

// ParseKey parses a "surah:ayah:word" string.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("reference: malformed key %q", s)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return Key{}, fmt.Errorf("reference: malformed key %q", s)
		}
		nums[i] = n
	}
	return Key{Surah: nums[0], Ayah: nums[1], Word: nums[2]}, nil
}

// VerseRef identifies one ayah.
type VerseRef struct {
	Surah int
	Ayah  int
}

// Word is one immutable canonical entry.
type Word struct {
	Key
	Text     string
	Phonemes []string
}

// Verse returns the ayah the word belongs to.
func (w Word) Verse() VerseRef { return VerseRef{Surah: w.Surah, Ayah: w.Ayah} }

// Index is the canonical reference table. Create it with [New] or [Load].
type Index struct {
	words  []Word
	lookup map[Key]int

	flat       []string // every word's phonemes, concatenated in order
	phoneWord  []int    // flat position -> word index
	wordOffset []int    // word index -> first flat position; len(words)+1 with sentinel

	verseFirst map[VerseRef]int
	verseLast  map[VerseRef]int
	surahLast  map[int]int

	avgPhones float64
	ngrams    *NgramIndex
}

// Option configures [New].
type Option func(*options)

type options struct {
	ngramSize int
}

// WithNgramSize sets the phoneme n-gram length used for anchor voting.
// Defaults to 5.
func WithNgramSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.ngramSize = n
		}
	}
}

// New builds an Index from words. Words are sorted by key; duplicate keys
// and words without phonemes are rejected.
func New(words []Word, opts ...Option) (*Index, error) {
	if len(words) == 0 {
		return nil, ErrEmpty
	}
	o := options{ngramSize: 5}
	for _, opt := range opts {
		opt(&o)
	}

	sorted := slices.Clone(words)
	slices.SortFunc(sorted, func(a, b Word) int { return a.Key.Compare(b.Key) })

	idx := &Index{
		words:      sorted,
		lookup:     make(map[Key]int, len(sorted)),
		wordOffset: make([]int, 0, len(sorted)+1),
		verseFirst: make(map[VerseRef]int),
		verseLast:  make(map[VerseRef]int),
		surahLast:  make(map[int]int),
	}

	for i, w := range sorted {
		if w.Surah <= 0 || w.Ayah <= 0 || w.Word <= 0 {
			return nil, fmt.Errorf("reference: invalid key %s", w.Key)
		}
		if _, dup := idx.lookup[w.Key]; dup {
			return nil, fmt.Errorf("reference: duplicate key %s", w.Key)
		}
		if len(w.Phonemes) == 0 {
			return nil, fmt.Errorf("reference: word %s has no phonemes", w.Key)
		}
		idx.lookup[w.Key] = i
		idx.wordOffset = append(idx.wordOffset, len(idx.flat))
		for range w.Phonemes {
			idx.phoneWord = append(idx.phoneWord, i)
		}
		idx.flat = append(idx.flat, w.Phonemes...)

		v := w.Verse()
		if _, ok := idx.verseFirst[v]; !ok {
			idx.verseFirst[v] = i
		}
		idx.verseLast[v] = i
		idx.surahLast[w.Surah] = i
	}
	idx.wordOffset = append(idx.wordOffset, len(idx.flat))
	idx.avgPhones = float64(len(idx.flat)) / float64(len(sorted))
	idx.ngrams = buildNgrams(idx, o.ngramSize)
	return idx, nil
}

// fileWord is the on-disk JSON representation of one word.
type fileWord struct {
	Surah    int    `json:"surah"`
	Ayah     int    `json:"ayah"`
	Word     int    `json:"word"`
	Text     string `json:"text"`
	Phonemes string `json:"phonemes"`
}

// Load decodes a JSON array of words from r. Phonemes are a single
// space-separated string per word.
func Load(r io.Reader, opts ...Option) (*Index, error) {
	var raw []fileWord
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("reference: decode: %w", err)
	}
	words := make([]Word, 0, len(raw))
	for _, fw := range raw {
		words = append(words, Word{
			Key:      Key{Surah: fw.Surah, Ayah: fw.Ayah, Word: fw.Word},
			Text:     fw.Text,
			Phonemes: strings.Fields(fw.Phonemes),
		})
	}
	return New(words, opts...)
}

// LoadFile is a convenience wrapper around [Load].
func LoadFile(path string, opts ...Option) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reference: open %q: %w", path, err)
	}
	defer f.Close()

	idx, err := Load(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("reference: load %q: %w", path, err)
	}
	return idx, nil
}

// Len returns the number of words.
func (x *Index) Len() int { return len(x.words) }

// Word returns the word at position i. It panics if i is out of range.
func (x *Index) Word(i int) Word { return x.words[i] }

// Lookup returns the position of key.
func (x *Index) Lookup(k Key) (int, bool) {
	i, ok := x.lookup[k]
	return i, ok
}

// Phonemes returns the flattened phoneme sequence. Callers must not modify it.
func (x *Index) Phonemes() []string { return x.flat }

// PhoneWord maps a flat phoneme position to its word position.
func (x *Index) PhoneWord(pos int) int { return x.phoneWord[pos] }

// WordOffset returns the first flat phoneme position of word i. WordOffset(Len())
// is the total phoneme count.
func (x *Index) WordOffset(i int) int { return x.wordOffset[i] }

// AvgPhonesPerWord is the mean phoneme count per word across the text.
func (x *Index) AvgPhonesPerWord() float64 { return x.avgPhones }

// Ngrams returns the phoneme n-gram index used for anchor voting.
func (x *Index) Ngrams() *NgramIndex { return x.ngrams }

// VerseStart returns the position of the first word of the given ayah.
func (x *Index) VerseStart(v VerseRef) (int, bool) {
	i, ok := x.verseFirst[v]
	return i, ok
}

// VerseEnd returns the position of the last word of the ayah containing
// word i.
func (x *Index) VerseEnd(i int) int {
	return x.verseLast[x.words[i].Verse()]
}

// IsVerseEnd reports whether word i is the last word of its ayah.
func (x *Index) IsVerseEnd(i int) bool { return x.VerseEnd(i) == i }

// IsSurahEnd reports whether word i is the last word of its surah.
func (x *Index) IsSurahEnd(i int) bool { return x.surahLast[x.words[i].Surah] == i }

// Text joins the display text of words from..to inclusive.
func (x *Index) Text(from, to int) string {
	if from < 0 || to >= len(x.words) || from > to {
		return ""
	}
	var b strings.Builder
	for i := from; i <= to; i++ {
		if i > from {
			b.WriteByte(' ')
		}
		b.WriteString(x.words[i].Text)
	}
	return b.String()
}

// AyahSpan returns the number of distinct ayahs touched by words from..to.
func (x *Index) AyahSpan(from, to int) int {
	if from < 0 || to >= len(x.words) || from > to {
		return 0
	}
	span := 1
	for i := from + 1; i <= to; i++ {
		if x.words[i].Verse() != x.words[i-1].Verse() {
			span++
		}
	}
	return span
}
