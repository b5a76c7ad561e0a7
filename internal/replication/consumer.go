package replication

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Denier reports whether a table's changes should be dropped before
// traversal. Implemented by schema.Graph.
type Denier interface {
	Denied(table string) bool
}

// Consumer pulls numbered packets from the replication feed.
//
// Wire format, after gzip decompression: one header line "SEQ\t<n>", then
// one line per row operation:
//
//	schema \t table \t op \t keys \t modified_at \t created_at
//
// where op is I/U/D, keys is ";"-joined "column=value" pairs, and the
// timestamps are RFC 3339 or empty. Blank lines and "#" comments are
// ignored.
type Consumer struct {
	baseURL string
	client  *http.Client
	denier  Denier
	now     func() time.Time
}

// NewConsumer creates a Consumer fetching packets below baseURL.
// If client is nil a default client with a 60 second timeout is used.
func NewConsumer(baseURL string, denier Denier, client *http.Client) *Consumer {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Consumer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		denier:  denier,
		now:     time.Now,
	}
}

// PacketURL returns the fetch URL for a sequence number.
func (c *Consumer) PacketURL(seq int64) string {
	return fmt.Sprintf("%s/replication-%d.gz", c.baseURL, seq)
}

// Available reports whether the feed has published a sequence, without
// downloading it.
func (c *Consumer) Available(ctx context.Context, seq int64) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.PacketURL(seq), nil)
	if err != nil {
		return false, &TransientError{Sequence: seq, Err: err}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, &TransientError{Sequence: seq, Err: err}
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, &TransientError{Sequence: seq, Err: fmt.Errorf("HEAD %s: status %d", c.PacketURL(seq), resp.StatusCode)}
	}
}

// Fetch retrieves, decompresses, and decodes the packet for one sequence.
//
// Returns ErrNotAvailable when the feed has not published the sequence yet,
// a *TransientError on network or IO failure, and a *FatalError when the
// packet content is malformed. Temporary download storage is removed on
// every exit path.
func (c *Consumer) Fetch(ctx context.Context, seq int64) (*Packet, error) {
	url := c.PacketURL(seq)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &TransientError{Sequence: seq, Err: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransientError{Sequence: seq, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotAvailable
	case resp.StatusCode != http.StatusOK:
		return nil, &TransientError{Sequence: seq, Err: fmt.Errorf("GET %s: status %d", url, resp.StatusCode)}
	}

	// Spool the compressed body to temporary storage before decoding so a
	// slow decode never holds the HTTP connection, and so partial
	// downloads are detected as IO errors rather than short packets.
	tmp, err := os.CreateTemp("", "replication-*.gz")
	if err != nil {
		return nil, &TransientError{Sequence: seq, Err: err}
	}
	defer func() {
		tmp.Close()
		if rmErr := os.Remove(tmp.Name()); rmErr != nil {
			slog.Warn("failed to remove packet temp file", "path", tmp.Name(), "error", rmErr)
		}
	}()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return nil, &TransientError{Sequence: seq, Err: fmt.Errorf("download packet: %w", err)}
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, &TransientError{Sequence: seq, Err: err}
	}

	packet, err := c.decode(seq, tmp)
	if err != nil {
		return nil, err
	}

	slog.Debug("packet fetched",
		"sequence", seq,
		"changes", len(packet.Changes),
	)
	return packet, nil
}

func (c *Consumer) decode(seq int64, r io.Reader) (*Packet, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, &FatalError{Sequence: seq, Err: fmt.Errorf("not gzip data: %w", err)}
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, &TransientError{Sequence: seq, Err: err}
		}
		return nil, &FatalError{Sequence: seq, Err: fmt.Errorf("empty packet")}
	}
	if err := c.checkHeader(seq, scanner.Text()); err != nil {
		return nil, &FatalError{Sequence: seq, Err: err}
	}

	packet := &Packet{Sequence: seq}
	// One change per affected primary key per table: later lines for the
	// same row collapse into the earlier record, upgrading the operation
	// to insert if any line was an insert and keeping the newest
	// timestamp.
	index := make(map[string]int)
	dropped := 0
	lineNo := 1

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		rc, err := c.parseLine(line)
		if err != nil {
			return nil, &FatalError{Sequence: seq, Err: fmt.Errorf("line %d: %w", lineNo, err)}
		}
		rc.Sequence = seq

		if c.denier != nil && c.denier.Denied(rc.Table) {
			dropped++
			continue
		}

		key := rc.Schema + "\x00" + rc.Table + "\x00" + rc.KeyString()
		if i, seen := index[key]; seen {
			if rc.Op == Insert {
				packet.Changes[i].Op = Insert
			}
			if rc.LastModified.After(packet.Changes[i].LastModified) {
				packet.Changes[i].LastModified = rc.LastModified
			}
			continue
		}
		index[key] = len(packet.Changes)
		packet.Changes = append(packet.Changes, rc)
	}
	if err := scanner.Err(); err != nil {
		return nil, &TransientError{Sequence: seq, Err: fmt.Errorf("read packet: %w", err)}
	}

	if dropped > 0 {
		slog.Debug("denylisted rows dropped", "sequence", seq, "rows", dropped)
	}
	return packet, nil
}

func (c *Consumer) checkHeader(seq int64, line string) error {
	fields := strings.Split(line, "\t")
	if len(fields) != 2 || fields[0] != "SEQ" {
		return fmt.Errorf("bad header %q", line)
	}
	got, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return fmt.Errorf("bad header sequence %q", fields[1])
	}
	if got != seq {
		return fmt.Errorf("packet labeled sequence %d, expected %d", got, seq)
	}
	return nil
}

func (c *Consumer) parseLine(line string) (RowChange, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 6 {
		return RowChange{}, fmt.Errorf("expected 6 fields, got %d", len(fields))
	}

	op, err := parseOp(fields[2])
	if err != nil {
		return RowChange{}, err
	}

	keys, err := parseKeys(fields[3])
	if err != nil {
		return RowChange{}, err
	}

	rc := RowChange{
		Schema: fields[0],
		Table:  fields[1],
		Op:     op,
		Keys:   keys,
	}
	if rc.Schema == "" || rc.Table == "" {
		return RowChange{}, fmt.Errorf("empty schema or table in %q", line)
	}

	rc.LastModified = c.pickTimestamp(fields[4], fields[5])
	return rc, nil
}

// pickTimestamp implements the last-modified fallback chain:
// modification time, then creation time, then processing wall clock.
func (c *Consumer) pickTimestamp(modified, created string) time.Time {
	if modified != "" {
		if ts, err := time.Parse(time.RFC3339, modified); err == nil {
			return ts
		}
	}
	if created != "" {
		if ts, err := time.Parse(time.RFC3339, created); err == nil {
			return ts
		}
	}
	return c.now()
}

func parseKeys(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, fmt.Errorf("row has no key columns")
	}
	keys := make(map[string]string)
	for _, pair := range strings.Split(raw, ";") {
		col, val, ok := strings.Cut(pair, "=")
		if !ok || col == "" {
			return nil, fmt.Errorf("bad key pair %q", pair)
		}
		keys[col] = val
	}
	return keys, nil
}
