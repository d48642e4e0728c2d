package prompt

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

// languageCodes maps ISO 639-1 codes, plus the 639-2 codes models tend to
// emit, to English language names.
var languageCodes = map[string]string{
	"am": "Amharic", "ar": "Arabic", "ara": "Arabic", "bg": "Bulgarian", "bn": "Bengali",
	"bs": "Bosnian", "cs": "Czech", "da": "Danish", "de": "German", "deu": "German",
	"el": "Greek", "ell": "Greek", "en": "English", "eng": "English", "es": "Spanish",
	"spa": "Spanish", "fa": "Persian", "fi": "Finnish", "fin": "Finnish", "fr": "French",
	"fra": "French", "fre": "French", "gu": "Gujarati", "he": "Hebrew", "hi": "Hindi",
	"hin": "Hindi", "hr": "Croatian", "hu": "Hungarian", "id": "Indonesian", "it": "Italian",
	"ita": "Italian", "ja": "Japanese", "ko": "Korean", "mr": "Marathi", "mar": "Marathi",
	"ms": "Malay", "nb": "Norwegian", "nl": "Dutch", "nld": "Dutch", "nn": "Norwegian",
	"no": "Norwegian", "nor": "Norwegian", "pa": "Punjabi", "pan": "Punjabi", "pl": "Polish",
	"pt": "Portuguese", "ro": "Romanian", "ru": "Russian", "sk": "Slovak", "so": "Somali",
	"sr": "Serbian", "sv": "Swedish", "swe": "Swedish", "sw": "Swahili", "ta": "Tamil",
	"te": "Telugu", "th": "Thai", "tha": "Thai", "ti": "Tigrinya", "tl": "Tagalog",
	"tr": "Turkish", "uk": "Ukrainian", "ur": "Urdu", "vi": "Vietnamese", "zh": "Chinese",
	"zho": "Chinese", "chi": "Chinese",
}

// canonicalLanguage rewrites a model-reported language to the spelling the
// pricing policy uses: a known name matched case-insensitively, an ISO code
// translated to its English name, or else the name in title case.
func canonicalLanguage(name string, known []string) string {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return ""
	}
	if match, ok := matchKnown(name, known); ok {
		return match
	}
	code := strings.ToLower(name)
	if i := strings.IndexAny(code, "-_"); i > 0 {
		code = code[:i]
	}
	if english, ok := languageCodes[code]; ok {
		if match, ok := matchKnown(english, known); ok {
			return match
		}
		return english
	}
	return titleCase(name)
}

func matchKnown(name string, known []string) (string, bool) {
	for _, k := range known {
		if strings.EqualFold(k, name) {
			return k, true
		}
	}
	return "", false
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
	}
	return strings.Join(words, " ")
}

// normalizeLanguages canonicalises names and merges duplicates, keeping the
// highest confidence.
func normalizeLanguages(in []domain.DetectedLanguage, known []string) []domain.DetectedLanguage {
	if len(in) == 0 {
		return in
	}
	out := make([]domain.DetectedLanguage, 0, len(in))
	seen := make(map[string]int, len(in))
	for _, l := range in {
		name := canonicalLanguage(l.Language, known)
		if name == "" {
			continue
		}
		conf := clamp01(l.Confidence)
		if i, ok := seen[name]; ok {
			out[i].Confidence = max(out[i].Confidence, conf)
			continue
		}
		seen[name] = len(out)
		out = append(out, domain.DetectedLanguage{Language: name, Confidence: conf})
	}
	return out
}
