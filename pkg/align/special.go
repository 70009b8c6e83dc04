package align

import (
	"sync"

	"github.com/antzucaro/matchr"
)

// SpecialType names a fixed pre-verse formula.
type SpecialType string

const (
	SpecialNone     SpecialType = ""
	SpecialIstiadha SpecialType = "Isti'adha"
	SpecialBasmala  SpecialType = "Basmala"

	// SpecialCombined is Isti'adha and Basmala recited in one segment.
	SpecialCombined SpecialType = "Isti'adha+Basmala"
)

var specialPhonemes = map[SpecialType][]string{
	SpecialIstiadha: {
		"ʔ", "a", "ʕ", "u:", "ð", "u", "b", "i", "ll", "a:", "h", "i",
		"m", "i", "n", "a", "ʃʃ", "a", "j", "tˤ", "aˤ:", "n", "i",
		"rˤrˤ", "aˤ", "ʒ", "i:", "m",
	},
	SpecialBasmala: {
		"b", "i", "s", "m", "i", "ll", "a:", "h", "i", "rˤrˤ", "aˤ",
		"ħ", "m", "a:", "n", "i", "rˤrˤ", "aˤ", "ħ", "i:", "m",
	},
}

var specialText = map[SpecialType]string{
	SpecialIstiadha: "أَعُوذُ بِٱللَّهِ مِنَ الشَّيْطَانِ الرَّجِيم",
	SpecialBasmala:  "بِسْمِ ٱللَّهِ ٱلرَّحْمَٰنِ ٱلرَّحِيم",
}

func init() {
	specialPhonemes[SpecialCombined] = append(
		append([]string(nil), specialPhonemes[SpecialIstiadha]...),
		specialPhonemes[SpecialBasmala]...)
	specialText[SpecialCombined] = specialText[SpecialIstiadha] + " " + specialText[SpecialBasmala]
}

// Phonemes returns the canonical phoneme sequence of a formula. The returned
// slice must not be modified.
func (s SpecialType) Phonemes() []string { return specialPhonemes[s] }

// Text returns the display text of a formula.
func (s SpecialType) Text() string { return specialText[s] }

// tokenRunes assigns every distinct phoneme a private-use rune so phoneme
// sequences can be compared with rune-based string distances.
var tokenRunes = struct {
	sync.Mutex
	m map[string]rune
}{m: make(map[string]rune)}

func encodeTokens(phonemes []string) string {
	tokenRunes.Lock()
	defer tokenRunes.Unlock()
	rs := make([]rune, len(phonemes))
	for i, p := range phonemes {
		r, ok := tokenRunes.m[p]
		if !ok {
			r = rune(0xE000 + len(tokenRunes.m))
			tokenRunes.m[p] = r
		}
		rs[i] = r
	}
	return string(rs)
}

// specialDistance is the Levenshtein distance between two phoneme sequences
// normalised by the longer length. Empty input is maximally distant.
func specialDistance(asr []string, formula SpecialType) float64 {
	ref := formula.Phonemes()
	if len(asr) == 0 || len(ref) == 0 {
		return 1
	}
	d := matchr.Levenshtein(encodeTokens(asr), encodeTokens(ref))
	return float64(d) / float64(max(len(asr), len(ref)))
}

// special is one detected formula.
type special struct {
	kind       SpecialType
	confidence float64
}

// detectSpecials looks for formulas at the head of segs and returns them in
// segment order, one per consumed segment. The order of checks is: both
// formulas fused in the first segment; Isti'adha in the first segment
// (then Basmala in the second); Basmala in the first segment.
func (e *Engine) detectSpecials(segs [][]string) []special {
	if len(segs) == 0 {
		return nil
	}
	limit := e.cfg.MaxSpecialEditDistance
	first := segs[0]

	if d := specialDistance(first, SpecialCombined); d <= limit {
		return []special{{SpecialCombined, 1 - d}}
	}
	if d := specialDistance(first, SpecialIstiadha); d <= limit {
		out := []special{{SpecialIstiadha, 1 - d}}
		if len(segs) > 1 {
			if d := specialDistance(segs[1], SpecialBasmala); d <= limit {
				out = append(out, special{SpecialBasmala, 1 - d})
			}
		}
		return out
	}
	if d := specialDistance(first, SpecialBasmala); d <= limit {
		return []special{{SpecialBasmala, 1 - d}}
	}
	return nil
}

func containsBasmala(specials []special) bool {
	for _, s := range specials {
		if s.kind == SpecialBasmala || s.kind == SpecialCombined {
			return true
		}
	}
	return false
}
