// Package referencetest provides a small canonical index (surahs 112 and 113)
// for tests in other packages.
package referencetest

import (
	"strings"

	"github.com/MrWong99/recitalign/pkg/reference"
)

// Entry is one fixture word: key, display text, space-separated phonemes.
type Entry struct {
	Key      reference.Key
	Text     string
	Phonemes string
}

// Words lists the fixture in canonical order.
var Words = []Entry{
	{reference.Key{Surah: 112, Ayah: 1, Word: 1}, "قُلْ", "q u l"},
	{reference.Key{Surah: 112, Ayah: 1, Word: 2}, "هُوَ", "h u w a"},
	{reference.Key{Surah: 112, Ayah: 1, Word: 3}, "ٱللَّهُ", "ll a: h u"},
	{reference.Key{Surah: 112, Ayah: 1, Word: 4}, "أَحَدٌ", "ʔ a ħ a d"},
	{reference.Key{Surah: 112, Ayah: 2, Word: 1}, "ٱللَّهُ", "ʔ a ll a: h u"},
	{reference.Key{Surah: 112, Ayah: 2, Word: 2}, "ٱلصَّمَدُ", "sˤsˤ aˤ m a d"},
	{reference.Key{Surah: 112, Ayah: 3, Word: 1}, "لَمْ", "l a m"},
	{reference.Key{Surah: 112, Ayah: 3, Word: 2}, "يَلِدْ", "j a l i d"},
	{reference.Key{Surah: 112, Ayah: 3, Word: 3}, "وَلَمْ", "w a l a m"},
	{reference.Key{Surah: 112, Ayah: 3, Word: 4}, "يُولَدْ", "j u: l a d"},
	{reference.Key{Surah: 112, Ayah: 4, Word: 1}, "وَلَمْ", "w a l a m"},
	{reference.Key{Surah: 112, Ayah: 4, Word: 2}, "يَكُن", "j a k u n"},
	{reference.Key{Surah: 112, Ayah: 4, Word: 3}, "لَّهُۥ", "l a h u:"},
	{reference.Key{Surah: 112, Ayah: 4, Word: 4}, "كُفُوًا", "k u f u w a n"},
	{reference.Key{Surah: 112, Ayah: 4, Word: 5}, "أَحَدٌۢ", "ʔ a ħ a d"},

	{reference.Key{Surah: 113, Ayah: 1, Word: 1}, "قُلْ", "q u l"},
	{reference.Key{Surah: 113, Ayah: 1, Word: 2}, "أَعُوذُ", "ʔ a ʕ u: ð u"},
	{reference.Key{Surah: 113, Ayah: 1, Word: 3}, "بِرَبِّ", "b i r a bb i"},
	{reference.Key{Surah: 113, Ayah: 1, Word: 4}, "ٱلْفَلَقِ", "l f a l a q"},
	{reference.Key{Surah: 113, Ayah: 2, Word: 1}, "مِن", "m i n"},
	{reference.Key{Surah: 113, Ayah: 2, Word: 2}, "شَرِّ", "ʃ a rr i"},
	{reference.Key{Surah: 113, Ayah: 2, Word: 3}, "مَا", "m a:"},
	{reference.Key{Surah: 113, Ayah: 2, Word: 4}, "خَلَقَ", "x a l a q"},
	{reference.Key{Surah: 113, Ayah: 3, Word: 1}, "وَمِن", "w a m i n"},
	{reference.Key{Surah: 113, Ayah: 3, Word: 2}, "شَرِّ", "ʃ a rr i"},
	{reference.Key{Surah: 113, Ayah: 3, Word: 3}, "غَاسِقٍ", "ɣ a: s i q i n"},
	{reference.Key{Surah: 113, Ayah: 3, Word: 4}, "إِذَا", "ʔ i ð a:"},
	{reference.Key{Surah: 113, Ayah: 3, Word: 5}, "وَقَبَ", "w a q a b"},
	{reference.Key{Surah: 113, Ayah: 4, Word: 1}, "وَمِن", "w a m i n"},
	{reference.Key{Surah: 113, Ayah: 4, Word: 2}, "شَرِّ", "ʃ a rr i"},
	{reference.Key{Surah: 113, Ayah: 4, Word: 3}, "ٱلنَّفَّـٰثَـٰتِ", "nn a ff a: θ a: t i"},
	{reference.Key{Surah: 113, Ayah: 4, Word: 4}, "فِى", "f i"},
	{reference.Key{Surah: 113, Ayah: 4, Word: 5}, "ٱلْعُقَدِ", "l ʕ u q a d"},
	{reference.Key{Surah: 113, Ayah: 5, Word: 1}, "وَمِن", "w a m i n"},
	{reference.Key{Surah: 113, Ayah: 5, Word: 2}, "شَرِّ", "ʃ a rr i"},
	{reference.Key{Surah: 113, Ayah: 5, Word: 3}, "حَاسِدٍ", "ħ a: s i d i n"},
	{reference.Key{Surah: 113, Ayah: 5, Word: 4}, "إِذَا", "ʔ i ð a:"},
	{reference.Key{Surah: 113, Ayah: 5, Word: 5}, "حَسَدَ", "ħ a s a d"},
}

// Index builds the fixture index. It panics on error since the fixture is
// static.
func Index(opts ...reference.Option) *reference.Index {
	words := make([]reference.Word, 0, len(Words))
	for _, e := range Words {
		words = append(words, reference.Word{
			Key:      e.Key,
			Text:     e.Text,
			Phonemes: strings.Fields(e.Phonemes),
		})
	}
	idx, err := reference.New(words, opts...)
	if err != nil {
		panic("referencetest: " + err.Error())
	}
	return idx
}

// Phonemes returns the concatenated phonemes of the words from..to
// (inclusive), looked up by key.
func Phonemes(idx *reference.Index, from, to reference.Key) []string {
	i, ok := idx.Lookup(from)
	j, ok2 := idx.Lookup(to)
	if !ok || !ok2 {
		panic("referencetest: unknown key")
	}
	var out []string
	for k := i; k <= j; k++ {
		out = append(out, idx.Word(k).Phonemes...)
	}
	return out
}
