// redact маскирует чувствительные значения перед записью в лог.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Email оставляет первые две руны локальной части и домен.
//
//	"trader@example.com" -> "tr***@example.com"
//	"ab@ex.com"          -> "***@ex.com"
//	"no-at"              -> "***"
func Email(s string) string {
	if strings.Count(s, "@") != 1 {
		return "***"
	}

	i := strings.IndexByte(s, '@')
	local, domain := []rune(s[:i]), s[i+1:]
	if len(local) <= 2 {
		return "***@" + domain
	}

	return string(local[:2]) + "***@" + domain
}

// Token возвращает короткий отпечаток токена. По нему можно сопоставить
// записи лога об одном и том же токене, не раскрывая его.
func Token(tok string) string {
	if tok == "" {
		return "-"
	}

	sum := sha256.Sum256([]byte(tok))
	return "sha256:" + hex.EncodeToString(sum[:6])
}
