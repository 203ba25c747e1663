// Package artifact extracts structured content (tables, images, files) from
// finished assistant messages.
package artifact

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"mime"
	"path"
	"regexp"
	"strings"

	"github.com/esnunes/forkline/internal/models"
)

const (
	CategoryTable = "table"
	CategoryImage = "image"
	CategoryFile  = "file"
)

var (
	imagePattern     = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)(?:\s+"[^"]*")?\)`)
	tableSeparator   = regexp.MustCompile(`^\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)*\|?$`)
	fenceOpenPattern = regexp.MustCompile("^```\\s*([\\w+#.-]*)\\s+([\\w./-]+\\.[\\w]+)\\s*$")
)

// Extract returns the artifacts found in msg. Only assistant messages carry
// artifacts.
func Extract(msg models.Message) []models.FileAsset {
	if msg.Role != models.RoleAssistant || msg.Content == "" {
		return nil
	}

	var assets []models.FileAsset
	add := func(name, typ, category, content string) {
		assets = append(assets, models.FileAsset{
			ProjectID: msg.ProjectID,
			BranchID:  msg.BranchID,
			MessageID: msg.ID,
			Name:      name,
			Type:      typ,
			Category:  category,
			Content:   content,
			Size:      int64(len(content)),
		})
	}

	lines := strings.Split(msg.Content, "\n")
	tables := 0
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])

		if m := fenceOpenPattern.FindStringSubmatch(line); m != nil {
			body, end := fencedBody(lines, i+1)
			add(path.Base(m[2]), typeOf(m[2], "text/plain"), CategoryFile, body)
			i = end
			continue
		}
		if strings.HasPrefix(line, "```") {
			_, end := fencedBody(lines, i+1)
			i = end
			continue
		}

		if isTableRow(line) && i+1 < len(lines) && tableSeparator.MatchString(strings.TrimSpace(lines[i+1])) {
			rows := [][]string{cells(line)}
			j := i + 2
			for ; j < len(lines) && isTableRow(strings.TrimSpace(lines[j])); j++ {
				rows = append(rows, cells(strings.TrimSpace(lines[j])))
			}
			tables++
			add(fmt.Sprintf("table-%d.csv", tables), "text/csv", CategoryTable, toCSV(rows))
			i = j - 1
			continue
		}

		for _, m := range imagePattern.FindAllStringSubmatch(line, -1) {
			name := strings.TrimSpace(m[1])
			if name == "" {
				name = path.Base(m[2])
			}
			add(name, typeOf(m[2], "image/*"), CategoryImage, m[2])
		}
	}
	return assets
}

// fencedBody returns the text up to the closing fence and the index of the
// closing fence line (or the last line when unterminated).
func fencedBody(lines []string, start int) (string, int) {
	for j := start; j < len(lines); j++ {
		if strings.HasPrefix(strings.TrimSpace(lines[j]), "```") {
			return strings.Join(lines[start:j], "\n"), j
		}
	}
	return strings.Join(lines[start:], "\n"), len(lines) - 1
}

func isTableRow(line string) bool {
	return strings.HasPrefix(line, "|") && strings.Count(line, "|") >= 2
}

func cells(row string) []string {
	row = strings.TrimPrefix(strings.TrimSuffix(row, "|"), "|")
	parts := strings.Split(row, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func toCSV(rows [][]string) string {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.WriteAll(rows)
	return buf.String()
}

func typeOf(name, fallback string) string {
	ext := path.Ext(strings.SplitN(name, "?", 2)[0])
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return fallback
}
