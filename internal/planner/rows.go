// Package planner holds the two post-completion steps that rewrite a
// completed chunk's outputs: the tempfail retry planner and the
// screening-to-probe handoff planner.
package planner

import (
	"bufio"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/verifyd/internal/blob"
)

// row is one worker-reported result line: a normalized email plus an
// optional reason tag.
type row struct {
	Email  string
	Reason string
}

// readRows parses an output file. Lines are `email` or `email,reason`; a
// leading header line (no @ in it) and blank lines are skipped.
func readRows(blobs *blob.Store, key string) ([]row, error) {
	rc, err := blobs.Open(key)
	if err != nil {
		return nil, eris.Wrapf(err, "planner: open output %s", key)
	}
	defer rc.Close()

	var rows []row
	first := true
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first {
			first = false
			if !strings.ContainsRune(line, '@') {
				continue // header
			}
		}
		email, reason, _ := strings.Cut(line, ",")
		rows = append(rows, row{
			Email:  strings.ToLower(strings.TrimSpace(email)),
			Reason: strings.TrimSpace(reason),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrapf(err, "planner: read output %s", key)
	}
	return rows, nil
}

// writeRows writes rows as `email,reason` lines to key. Zero rows still
// produces the (empty) file so downstream merge never sees a gap.
func writeRows(blobs *blob.Store, key string, rows []row) error {
	f, err := blobs.Create(key)
	if err != nil {
		return eris.Wrapf(err, "planner: create output %s", key)
	}
	buf := bufio.NewWriter(f)
	for _, r := range rows {
		if _, err := buf.WriteString(r.Email + "," + r.Reason + "\n"); err != nil {
			f.Close()
			return eris.Wrapf(err, "planner: write output %s", key)
		}
	}
	if err := buf.Flush(); err != nil {
		f.Close()
		return eris.Wrapf(err, "planner: flush output %s", key)
	}
	return eris.Wrapf(f.Close(), "planner: close output %s", key)
}

// writeEmails writes one email per line to key, the chunk input convention.
func writeEmails(blobs *blob.Store, key string, rows []row) error {
	f, err := blobs.Create(key)
	if err != nil {
		return eris.Wrapf(err, "planner: create chunk input %s", key)
	}
	buf := bufio.NewWriter(f)
	for _, r := range rows {
		if _, err := buf.WriteString(r.Email + "\n"); err != nil {
			f.Close()
			return eris.Wrapf(err, "planner: write chunk input %s", key)
		}
	}
	if err := buf.Flush(); err != nil {
		f.Close()
		return eris.Wrapf(err, "planner: flush chunk input %s", key)
	}
	return eris.Wrapf(f.Close(), "planner: close chunk input %s", key)
}
