package tts

import "strings"

// voicePreferences maps remote voice ids to local voice names that sound
// closest, best match first.
var voicePreferences = map[string][]string{
	"rachel": {"Samantha", "Google US English", "Microsoft Aria", "Microsoft Zira", "en-us+f3"},
	"bella":  {"Victoria", "Karen", "Microsoft Jenny", "en-us+f2"},
	"elli":   {"Moira", "Tessa", "Microsoft Sonia", "en-gb+f4"},
	"adam":   {"Alex", "Google UK English Male", "Microsoft Guy", "Microsoft David", "en-us+m3"},
	"antoni": {"Daniel", "Microsoft Ryan", "en-gb+m1"},
	"josh":   {"Fred", "Microsoft Mark", "en-us+m1"},
}

// SelectVoice picks a local voice for voiceID: the first preference-table hit,
// else a voice in language, else the engine default. ok is false when the
// engine default should be used without naming a voice.
func SelectVoice(voices []Voice, voiceID, language string) (Voice, bool) {
	for _, want := range voicePreferences[strings.ToLower(voiceID)] {
		needle := strings.ToLower(want)
		for _, v := range voices {
			if strings.EqualFold(v.Name, want) || strings.Contains(strings.ToLower(v.Name), needle) {
				return v, true
			}
		}
	}
	if language != "" {
		lang := normalizeLanguage(language)
		for _, v := range voices {
			if normalizeLanguage(v.Language) == lang {
				return v, true
			}
		}
		primary := primarySubtag(lang)
		for _, v := range voices {
			if primarySubtag(normalizeLanguage(v.Language)) == primary {
				return v, true
			}
		}
	}
	for _, v := range voices {
		if v.Default {
			return v, true
		}
	}
	return Voice{}, false
}

func normalizeLanguage(lang string) string {
	return strings.ToLower(strings.ReplaceAll(lang, "_", "-"))
}

func primarySubtag(lang string) string {
	if i := strings.IndexByte(lang, '-'); i >= 0 {
		return lang[:i]
	}
	return lang
}
