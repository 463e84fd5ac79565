// Package security validates shell command lines before they reach the
// confined executor. It deliberately avoids a full shell grammar: commands
// are split with a small quote-state tokenizer and checked against
// allow/deny lists. Coverage is best-effort by design — the read-only
// policy is an allow-list, so anything the tokenizer cannot account for
// is rejected, never silently permitted.
package security

import "strings"

// ParsedCommand is one pipeline segment reduced to the parts the
// policies care about.
type ParsedCommand struct {
	// Base is the command name with any directory prefix stripped
	// (e.g. "/usr/bin/git" parses to "git").
	Base string

	// Subcommand is the first argument that does not look like a flag,
	// or "" when none exists.
	Subcommand string

	// Args holds every token after the base command.
	Args []string

	// Raw is the original segment text, reported in rejection verdicts.
	Raw string
}

// scanChar classifies one byte of a command line.
type scanChar struct {
	c      byte
	syntax bool // a quote or escaping backslash; removed from tokens
	quoted bool // inside quotes or escaped; never a delimiter or metacharacter
}

// scanShell walks the command byte by byte tracking single-quote,
// double-quote and backslash state. Backslash escapes the next byte
// except inside single quotes, where POSIX shells treat it literally.
func scanShell(s string) []scanChar {
	out := make([]scanChar, 0, len(s))
	inSingle, inDouble, escaped := false, false, false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
			out = append(out, scanChar{c: c, quoted: true})
		case c == '\\' && !inSingle:
			escaped = true
			out = append(out, scanChar{c: c, syntax: true, quoted: true})
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			out = append(out, scanChar{c: c, syntax: true, quoted: true})
		case c == '"' && !inSingle:
			inDouble = !inDouble
			out = append(out, scanChar{c: c, syntax: true, quoted: true})
		default:
			out = append(out, scanChar{c: c, quoted: inSingle || inDouble})
		}
	}
	return out
}

// splitOn splits scanned text at positions where match reports a
// delimiter, returning trimmed non-empty substrings. match receives the
// scan and the current index and returns the delimiter length (0 = no
// delimiter at this position).
func splitOn(scan []scanChar, match func([]scanChar, int) int) []string {
	var parts []string
	var cur strings.Builder

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			parts = append(parts, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(scan); i++ {
		if scan[i].quoted || scan[i].syntax {
			cur.WriteByte(scan[i].c)
			continue
		}
		if n := match(scan, i); n > 0 {
			flush()
			i += n - 1
			continue
		}
		cur.WriteByte(scan[i].c)
	}
	flush()
	return parts
}

// splitSegments splits a command line on the unquoted command separators
// ";", "&&" and "||". Empty segments (e.g. a trailing ";") are dropped.
func splitSegments(command string) []string {
	return splitOn(scanShell(command), func(scan []scanChar, i int) int {
		switch scan[i].c {
		case ';':
			return 1
		case '&', '|':
			if i+1 < len(scan) && scan[i+1].c == scan[i].c && !scan[i+1].quoted {
				return 2
			}
		}
		return 0
	})
}

// splitPipeline splits one segment on unquoted single "|" characters.
// "||" never reaches here — splitSegments already consumed it.
func splitPipeline(segment string) []string {
	return splitOn(scanShell(segment), func(scan []scanChar, i int) int {
		if scan[i].c == '|' {
			return 1
		}
		return 0
	})
}

// tokenize splits on unquoted whitespace. Quote characters are removed
// from the returned tokens; quoted content is preserved verbatim.
func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	inToken := false

	for _, sc := range scanShell(s) {
		if sc.syntax {
			// Quote punctuation opens a token even when empty ("").
			inToken = true
			continue
		}
		if !sc.quoted && (sc.c == ' ' || sc.c == '\t' || sc.c == '\n') {
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
			continue
		}
		cur.WriteByte(sc.c)
		inToken = true
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// containsUnquoted reports whether c occurs anywhere outside quotes.
func containsUnquoted(s string, c byte) bool {
	for _, sc := range scanShell(s) {
		if sc.c == c && !sc.quoted && !sc.syntax {
			return true
		}
	}
	return false
}

// hasUnquotedSingleAmp reports an unquoted "&" that is not part of "&&"
// (background execution).
func hasUnquotedSingleAmp(s string) bool {
	scan := scanShell(s)
	for i := 0; i < len(scan); i++ {
		if scan[i].c != '&' || scan[i].quoted {
			continue
		}
		if i+1 < len(scan) && scan[i+1].c == '&' && !scan[i+1].quoted {
			i++ // "&&" pair
			continue
		}
		return true
	}
	return false
}

// isAssignment reports whether a token is a leading VAR=value
// environment assignment.
func isAssignment(tok string) bool {
	eq := strings.IndexByte(tok, '=')
	if eq <= 0 {
		return false
	}
	for i := 0; i < eq; i++ {
		c := tok[i]
		ok := c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (i > 0 && c >= '0' && c <= '9')
		if !ok {
			return false
		}
	}
	return true
}

// parseSegment tokenizes one pipeline segment, strips leading
// environment assignments, and extracts the base command and first
// non-flag argument. Returns ok=false for segments with no command.
func parseSegment(segment string) (ParsedCommand, bool) {
	tokens := tokenize(segment)

	// Leading VAR=value assignments precede the command word.
	for len(tokens) > 0 && isAssignment(tokens[0]) {
		tokens = tokens[1:]
	}
	if len(tokens) == 0 {
		return ParsedCommand{}, false
	}

	base := tokens[0]
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}

	cmd := ParsedCommand{
		Base: base,
		Args: tokens[1:],
		Raw:  segment,
	}
	for _, a := range tokens[1:] {
		if !strings.HasPrefix(a, "-") {
			cmd.Subcommand = a
			break
		}
	}
	return cmd, true
}
