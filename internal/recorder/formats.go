package recorder

import (
	"bufio"
	"encoding/binary"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	rvcerrors "github.com/coachrun/rvc-core/infrastructure/errors"
	slhex "github.com/coachrun/rvc-core/infrastructure/hex"
	"github.com/coachrun/rvc-core/internal/codec"
	"github.com/coachrun/rvc-core/internal/config"
)

// sessionEnvelope is the on-disk JSON-lines header line: session metadata
// without its frames, which follow one-per-line.
type sessionEnvelope struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Format      Format    `json:"format"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	Overruns    int       `json:"overruns"`
}

// frameRecord is one JSON-lines body row.
type frameRecord struct {
	TimestampUnixNano int64            `json:"ts"`
	Interface         string           `json:"interface"`
	ArbitrationID     uint32           `json:"can_id"`
	Extended          bool             `json:"extended"`
	Payload           []byte           `json:"payload"`
	Protocol          string           `json:"protocol"`
	MessageType       string           `json:"message_type,omitempty"`
	PGN               uint32           `json:"pgn,omitempty"`
	Fields            []fieldRecordOut `json:"fields,omitempty"`
}

type fieldRecordOut struct {
	Name   string  `json:"name"`
	Raw    uint64  `json:"raw"`
	Scaled float64 `json:"scaled"`
	Unit   string  `json:"unit,omitempty"`
	Valid  bool    `json:"valid"`
}

// filename follows the original recorder's "<name>_<start>.<ext>" scheme.
func (s *Session) filename() string {
	ts := s.StartedAt.Format("20060102_150405")
	return fmt.Sprintf("%s_%s.%s", sanitizeFilename(s.Name), ts, s.Format)
}

func sanitizeFilename(name string) string {
	if name == "" {
		return "session"
	}
	r := strings.NewReplacer("/", "_", "\\", "_", " ", "_")
	return r.Replace(name)
}

// save writes session to r.recordingsDir in its declared format, creating
// the directory if needed. Called on StopRecording and on every autosave
// tick.
func (r *Recorder) save(session *Session) error {
	if r.recordingsDir == "" {
		return nil
	}
	if err := os.MkdirAll(r.recordingsDir, 0o755); err != nil {
		return fmt.Errorf("recorder: create recordings dir: %w", err)
	}
	path := filepath.Join(r.recordingsDir, session.filename())
	switch session.Format {
	case FormatJSONLines, "":
		return saveJSONLines(path, session)
	case FormatCSV:
		return saveCSV(path, session)
	case FormatBinary:
		return saveBinary(path, session)
	case FormatCandump:
		return saveCandump(path, session)
	default:
		return rvcerrors.InvalidInputErr("format", "unrecognized recording format")
	}
}

func toFrameRecord(rec RecordedFrame) frameRecord {
	fr := frameRecord{
		TimestampUnixNano: rec.Timestamp.UnixNano(),
		Interface:         rec.Frame.Interface,
		ArbitrationID:     rec.Frame.ArbitrationID,
		Extended:          rec.Frame.Extended,
		Payload:           rec.Frame.Payload,
		Protocol:          string(rec.Frame.Protocol),
		MessageType:       rec.Frame.MessageType,
		PGN:               rec.Frame.PGN,
	}
	for _, f := range rec.Frame.Fields {
		fr.Fields = append(fr.Fields, fieldRecordOut{
			Name: f.Name, Raw: f.Raw, Scaled: f.Scaled, Unit: f.Unit, Valid: f.Valid,
		})
	}
	return fr
}

func saveJSONLines(path string, session *Session) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()

	env := sessionEnvelope{
		ID: session.ID, Name: session.Name, Description: session.Description,
		Format: session.Format, StartedAt: session.StartedAt, EndedAt: session.EndedAt,
		Overruns: session.Overruns,
	}
	if err := writeJSONLine(w, env); err != nil {
		return err
	}
	for _, rec := range session.Frames {
		if err := writeJSONLine(w, toFrameRecord(rec)); err != nil {
			return err
		}
	}
	return nil
}

func writeJSONLine(w *bufio.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

func saveCSV(path string, session *Session) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	defer cw.Flush()

	if err := cw.Write([]string{"timestamp", "interface", "can_id", "extended", "pgn", "protocol", "payload_hex"}); err != nil {
		return err
	}
	for _, rec := range session.Frames {
		row := []string{
			rec.Timestamp.Format(time.RFC3339Nano),
			rec.Frame.Interface,
			fmt.Sprintf("0x%X", rec.Frame.ArbitrationID),
			strconv.FormatBool(rec.Frame.Extended),
			fmt.Sprintf("0x%X", rec.Frame.PGN),
			string(rec.Frame.Protocol),
			slhex.EncodeToString(rec.Frame.Payload),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return nil
}

// saveBinary writes a fixed-width record format: 8-byte unix-nano
// timestamp, 4-byte arbitration id, 1-byte extended flag, 1-byte payload
// length, then up to 8 payload bytes (zero-padded).
func saveBinary(path string, session *Session) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()

	for _, rec := range session.Frames {
		var buf [22]byte
		binary.BigEndian.PutUint64(buf[0:8], uint64(rec.Timestamp.UnixNano()))
		binary.BigEndian.PutUint32(buf[8:12], rec.Frame.ArbitrationID)
		if rec.Frame.Extended {
			buf[12] = 1
		}
		n := len(rec.Frame.Payload)
		if n > 8 {
			n = 8
		}
		buf[13] = byte(n)
		copy(buf[14:14+n], rec.Frame.Payload[:n])
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	return nil
}

// saveCandump writes the session in candump(1)'s plain text format:
// "(seconds.micros) interface canid#HEXDATA", matching the tool most
// RV-C/J1939 diagnosticians already use.
func saveCandump(path string, session *Session) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()

	for _, rec := range session.Frames {
		idWidth := "%03X"
		if rec.Frame.Extended {
			idWidth = "%08X"
		}
		line := fmt.Sprintf("(%.6f) %s "+idWidth+"#%X\n",
			float64(rec.Timestamp.UnixNano())/1e9,
			rec.Frame.Interface,
			rec.Frame.ArbitrationID,
			rec.Frame.Payload,
		)
		if _, err := w.WriteString(line); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a previously saved JSON-lines recording back into a Session
// for replay. Other formats are write-only archival exports.
func Load(path string) (*Session, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if len(lines) == 0 {
		return nil, rvcerrors.InvalidInputErr("path", "empty recording file")
	}

	var env sessionEnvelope
	if err := json.Unmarshal([]byte(lines[0]), &env); err != nil {
		return nil, fmt.Errorf("recorder: parse session header: %w", err)
	}
	session := &Session{
		ID: env.ID, Name: env.Name, Description: env.Description,
		Format: env.Format, StartedAt: env.StartedAt, EndedAt: env.EndedAt,
		Overruns: env.Overruns,
	}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		var fr frameRecord
		if err := json.Unmarshal([]byte(line), &fr); err != nil {
			return nil, fmt.Errorf("recorder: parse frame record: %w", err)
		}
		session.Frames = append(session.Frames, fromFrameRecord(fr))
	}
	return session, nil
}

func fromFrameRecord(fr frameRecord) RecordedFrame {
	frame := codec.DecodedFrame{
		Interface:     fr.Interface,
		ArbitrationID: fr.ArbitrationID,
		Extended:      fr.Extended,
		Payload:       fr.Payload,
		Protocol:      config.Protocol(fr.Protocol),
		MessageType:   fr.MessageType,
		PGN:           fr.PGN,
	}
	for _, f := range fr.Fields {
		frame.Fields = append(frame.Fields, codec.DecodedField{
			Name: f.Name, Raw: f.Raw, Scaled: f.Scaled, Unit: f.Unit, Valid: f.Valid,
		})
	}
	return RecordedFrame{Timestamp: time.Unix(0, fr.TimestampUnixNano), Frame: frame}
}

// FilterByPath applies an ad hoc gjson path expression against each
// frame's decoded-field JSON shape, keeping only frames where the path
// resolves to want, compared as strings. It exists for operators who need
// a one-off replay filter (path fields.#(name=="level").valid with want
// "true") without writing a first-class Filter rule.
func FilterByPath(frames []RecordedFrame, path, want string) []RecordedFrame {
	out := make([]RecordedFrame, 0, len(frames))
	for _, rec := range frames {
		b, err := json.Marshal(toFrameRecord(rec))
		if err != nil {
			continue
		}
		if gjson.GetBytes(b, path).String() == want {
			out = append(out, rec)
		}
	}
	return out
}
