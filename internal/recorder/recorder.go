package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/john/infobot/internal/message"
)

// fileTimeLayout stamps archive file names; the uploader parses it back
const fileTimeLayout = "20060102_150405"

// fileWriter manages a single JSONL file
type fileWriter struct {
	file         *os.File
	writer       *bufio.Writer
	createdAt    time.Time
	bytesWritten int64
	buffer       []message.ReplyRecord
	filename     string
}

// Recorder buffers sent replies and writes them to rotated JSONL files
type Recorder struct {
	outputDir       string
	bufferSize      int
	rotateMinutes   int
	rotateMegabytes int64

	currentFiles map[string]*fileWriter // key: "platform_destination"
	mu           sync.Mutex
}

// New creates a new recorder
func New(outputDir string, bufferSize, rotateMinutes, rotateMegabytes int) *Recorder {
	return &Recorder{
		outputDir:       outputDir,
		bufferSize:      bufferSize,
		rotateMinutes:   rotateMinutes,
		rotateMegabytes: int64(rotateMegabytes) * 1024 * 1024,
		currentFiles:    make(map[string]*fileWriter),
	}
}

// Start begins recording replies; closed files are sent on fileChan
func (r *Recorder) Start(ctx context.Context, recordChan <-chan message.ReplyRecord, fileChan chan<- string) error {
	if err := os.MkdirAll(r.outputDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	// Set up ticker for rotation checks
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case rec := <-recordChan:
			if err := r.record(rec); err != nil {
				log.Printf("Error recording reply: %v", err)
			}

		case <-ticker.C:
			r.checkRotation(fileChan)

		case <-ctx.Done():
			log.Println("Recorder shutting down, flushing buffers...")
			r.flushAll(fileChan)
			return ctx.Err()
		}
	}
}

// record buffers a single reply
func (r *Recorder) record(rec message.ReplyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	destination := safeName(rec.Destination)
	key := fmt.Sprintf("%s_%s", rec.Platform, destination)
	fw := r.currentFiles[key]

	if fw == nil {
		var err error
		fw, err = r.createFileWriter(rec.Platform, destination)
		if err != nil {
			return fmt.Errorf("create file writer: %w", err)
		}
		r.currentFiles[key] = fw
	}

	fw.buffer = append(fw.buffer, rec)

	if len(fw.buffer) >= r.bufferSize {
		if err := r.flushFileWriter(fw); err != nil {
			return fmt.Errorf("flush buffer: %w", err)
		}
	}

	return nil
}

// createFileWriter creates a new file writer
func (r *Recorder) createFileWriter(platform, destination string) (*fileWriter, error) {
	timestamp := time.Now().UTC().Format(fileTimeLayout)
	filename := fmt.Sprintf("%s_%s_%s.jsonl", platform, destination, timestamp)

	file, err := os.Create(filepath.Join(r.outputDir, filename))
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	log.Printf("Created new archive file: %s", filename)

	return &fileWriter{
		file:      file,
		writer:    bufio.NewWriter(file),
		createdAt: time.Now(),
		buffer:    make([]message.ReplyRecord, 0, r.bufferSize),
		filename:  filename,
	}, nil
}

// flushFileWriter writes buffered records to disk
func (r *Recorder) flushFileWriter(fw *fileWriter) error {
	for _, rec := range fw.buffer {
		data, err := json.Marshal(rec)
		if err != nil {
			log.Printf("Error marshaling reply record: %v", err)
			continue
		}

		n, err := fw.writer.Write(data)
		if err != nil {
			return fmt.Errorf("write record: %w", err)
		}
		fw.bytesWritten += int64(n)

		if err := fw.writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
		fw.bytesWritten++
	}

	fw.buffer = fw.buffer[:0]

	return fw.writer.Flush()
}

// checkRotation rotates files past their age or size limit
func (r *Recorder) checkRotation(fileChan chan<- string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, fw := range r.currentFiles {
		needsRotation := false

		if time.Since(fw.createdAt).Minutes() >= float64(r.rotateMinutes) {
			needsRotation = true
			log.Printf("Rotating file %s (time limit)", fw.filename)
		}

		if fw.bytesWritten >= r.rotateMegabytes {
			needsRotation = true
			log.Printf("Rotating file %s (size limit)", fw.filename)
		}

		if needsRotation {
			r.closeFile(fw, fileChan)
			// The next record for this destination opens a fresh file
			delete(r.currentFiles, key)
		}
	}
}

// closeFile flushes and closes fw, then queues it for upload
func (r *Recorder) closeFile(fw *fileWriter, fileChan chan<- string) {
	if err := r.flushFileWriter(fw); err != nil {
		log.Printf("Error flushing file writer: %v", err)
	}
	if err := fw.file.Close(); err != nil {
		log.Printf("Error closing file: %v", err)
	}

	path := filepath.Join(r.outputDir, fw.filename)
	select {
	case fileChan <- path:
		log.Printf("Queued file for upload: %s", fw.filename)
	default:
		log.Printf("Warning: upload queue full, file will be uploaded later: %s", fw.filename)
	}
}

// flushAll flushes and closes every open file
func (r *Recorder) flushAll(fileChan chan<- string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, fw := range r.currentFiles {
		r.closeFile(fw, fileChan)
		delete(r.currentFiles, key)
	}

	log.Println("All files flushed and closed")
}

// safeName maps a destination (stream, channel or email) to a file name part.
// Letters, digits and ".@_" pass through; every other byte becomes "-XX"
// (upper-case hex), so distinct destinations never share a file. An empty
// destination becomes a lone "-", which no escape produces.
func safeName(s string) string {
	if s == "" {
		return "-"
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '.', c == '@', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "-%02X", c)
		}
	}
	return b.String()
}
