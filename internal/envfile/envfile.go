// Package envfile reads dotenv-style KEY=VALUE files.
//
// Values are expanded the way gotenv does it: $VAR and ${VAR} inside
// unquoted and double-quoted values resolve against the process environment
// first and earlier keys of the file second. Single-quoted values and \$ are
// kept literally.
package envfile

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/subosito/gotenv"
)

const bom = "\xef\xbb\xbf"

// Read parses the env file at path. In strict mode a malformed line fails
// the read; otherwise malformed entries are skipped.
func Read(path string, strict bool) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	env, err := gotenv.StrictParse(bytes.NewReader(data))
	if err == nil {
		return env, nil
	}
	if strict {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	env, err = gotenv.StrictParse(strings.NewReader(strings.Join(validEntries(data), "\n")))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return env, nil
}

// validEntries returns the entries of data that parse on their own. The
// survivors are parsed again together so that values can still refer to
// earlier keys.
func validEntries(data []byte) []string {
	var valid []string
	for _, entry := range splitEntries(data) {
		if _, err := gotenv.StrictParse(strings.NewReader(entry)); err != nil {
			continue
		}
		valid = append(valid, entry)
	}
	return valid
}

// splitEntries cuts data into logical entries. A quoted value spanning
// several lines stays in one entry; a quote that is never closed leaves its
// opening line as an entry of its own.
func splitEntries(data []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(bytes.TrimPrefix(data, []byte(bom))))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	var entries []string
	for i := 0; i < len(lines); i++ {
		quote := openQuote(lines[i])
		if quote == 0 {
			entries = append(entries, lines[i])
			continue
		}
		end := closingLine(lines, i+1, quote)
		if end < 0 {
			entries = append(entries, lines[i])
			continue
		}
		entries = append(entries, strings.Join(lines[i:end+1], "\n"))
		i = end
	}
	return entries
}

// openQuote returns the quote character of a value that starts on line but
// does not end there, or 0. The rules follow gotenv's own line joining.
func openQuote(line string) byte {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return 0
	}

	idx := strings.Index(line, "=")
	if idx == -1 {
		idx = strings.Index(line, ":")
	}
	if idx <= 0 || idx >= len(line)-1 {
		return 0
	}

	val := strings.TrimSpace(line[idx+1:])
	if val == "" || (val[0] != '"' && val[0] != '\'') {
		return 0
	}
	quote := val[0]
	if end := strings.LastIndexByte(strings.TrimSpace(val[1:]), quote); end >= 0 && val[end] != '\\' {
		return 0
	}
	return quote
}

func closingLine(lines []string, from int, quote byte) int {
	for j := from; j < len(lines); j++ {
		idx := strings.LastIndexByte(lines[j], quote)
		if idx > 0 && lines[j][idx-1] == '\\' {
			continue
		}
		if idx >= 0 {
			return j
		}
	}
	return -1
}
