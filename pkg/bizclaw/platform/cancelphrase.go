// Package platform – cancelphrase.go detects standalone cancel requests in
// inbound messages using natural language phrases in multiple languages.
package platform

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// cancelPhrases are messages that, sent standalone, cancel the user's
// running task.
var cancelPhrases = map[string]bool{
	// English
	"stop": true, "cancel": true, "abort": true, "halt": true,
	"nevermind": true, "never mind": true, "forget it": true,
	"stop it": true, "please stop": true, "stop please": true,
	"cancel that": true, "cancel it": true, "stop the task": true,
	"stop that": true, "don't do that": true, "dont do that": true,

	// Portuguese
	"pare": true, "parar": true, "cancela": true, "cancelar": true,
	"pare por favor": true, "por favor pare": true, "deixa pra la": true,

	// Spanish
	"detente": true, "deten": true, "detén": true, "para": true,
	"cancelar eso": true, "olvidalo": true, "olvídalo": true,

	// French
	"arrete": true, "arrête": true, "arreter": true, "arrêter": true,
	"annule": true, "annuler": true,

	// German
	"stopp": true, "anhalten": true, "abbrechen": true, "vergiss es": true,

	// Chinese
	"停止": true, "停": true, "取消": true,

	// Japanese
	"やめて": true, "止めて": true, "キャンセル": true, "ストップ": true,

	// Hindi
	"रुको": true, "रुकिए": true, "रद्द करो": true,

	// Arabic
	"توقف": true, "قف": true, "إلغاء": true,

	// Russian
	"стоп": true, "стой": true, "отмена": true, "отменить": true,
	"остановись": true, "прекрати": true,
}

// affirmatives and negatives resolve pending trigger confirmations.
var affirmatives = map[string]bool{
	"yes": true, "y": true, "yeah": true, "yep": true, "sure": true,
	"ok": true, "okay": true, "approve": true, "confirm": true, "go ahead": true,
	"sim": true, "si": true, "sí": true, "oui": true, "ja": true, "да": true,
}

var negatives = map[string]bool{
	"no": true, "n": true, "nope": true, "reject": true, "deny": true,
	"nao": true, "não": true, "non": true, "nein": true, "нет": true,
}

// trailingPunctuationRE strips trailing punctuation before matching.
var trailingPunctuationRE = regexp.MustCompile(`[.!?…,，。;；:：'"'"'")\]}]+$`)

// IsCancelPhrase reports whether the text is a standalone cancel request.
func IsCancelPhrase(text string) bool {
	normalized := normalizePhrase(text)
	if normalized == "" {
		return false
	}
	if normalized == "/cancel" || normalized == "/stop" {
		return true
	}
	return cancelPhrases[normalized]
}

// ParseConfirmation interprets the text as a confirmation reply.
// ok=false means the text is neither a clear yes nor a clear no.
func ParseConfirmation(text string) (approve, ok bool) {
	normalized := normalizePhrase(text)
	if normalized == "" {
		return false, false
	}
	if affirmatives[normalized] {
		return true, true
	}
	if negatives[normalized] {
		return false, true
	}
	return false, false
}

// normalizePhrase lowercases, applies NFKC, strips @mentions and trailing
// punctuation, and collapses whitespace.
func normalizePhrase(text string) string {
	normalized := norm.NFKC.String(text)
	normalized = strings.ToLower(normalized)

	normalized = strings.Map(func(r rune) rune {
		if r == '’' || r == '‘' || r == '`' {
			return '\''
		}
		return r
	}, normalized)

	fields := strings.Fields(normalized)
	filtered := fields[:0]
	for _, f := range fields {
		if !strings.HasPrefix(f, "@") {
			filtered = append(filtered, f)
		}
	}
	normalized = strings.Join(filtered, " ")

	normalized = trailingPunctuationRE.ReplaceAllString(normalized, "")
	return strings.TrimSpace(normalized)
}
