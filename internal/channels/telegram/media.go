package telegram

import (
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
)

const (
	// defaultMediaMaxBytes is the default max download size (20MB, Telegram Bot API limit).
	defaultMediaMaxBytes int64 = 20 * 1024 * 1024

	// mediaGroupTimeout is the buffering delay for a media group (album).
	// Telegram sends album items as separate updates; handleMessage does not
	// use mediaGroupBuffer, so each item is processed as its own update.
	mediaGroupTimeout = 500 * time.Millisecond

	// downloadMaxRetries is the number of download retry attempts.
	downloadMaxRetries = 3

	// docMaxChars is the max characters to extract from a text document
	// before truncating, so one oversized attachment can't blow the
	// context budget for the whole turn.
	docMaxChars = 200_000
)

// MediaInfo contains information about a downloaded media file.
type MediaInfo struct {
	Type        string // "image", "video", "audio", "voice", "document", "animation"
	FilePath    string // local file path after download (sanitized for images)
	FileID      string // Telegram file_id
	ContentType string // MIME type
	FileName    string // original filename
	FileSize    int64
	Transcript  string // STT transcript for audio/voice media (empty if not transcribed)
}

// mediaGroupBuffer buffers media group (album) messages before processing them together.
type mediaGroupBuffer struct {
	mu     sync.Mutex
	groups map[string]*mediaGroup
}

type mediaGroup struct {
	messages []*telego.Message
	timer    *time.Timer
	chatID   int64
}

func newMediaGroupBuffer() *mediaGroupBuffer {
	return &mediaGroupBuffer{
		groups: make(map[string]*mediaGroup),
	}
}

// resolveMedia extracts and downloads media from a Telegram message.
// Returns a list of MediaInfo for each media item found; a message can
// carry more than one kind at once (e.g. a photo with a caption that
// also references a document, via separate updates merged upstream).
func (c *Channel) resolveMedia(ctx context.Context, msg *telego.Message) []MediaInfo {
	maxBytes := c.config.MediaMaxBytes
	if maxBytes == 0 {
		maxBytes = defaultMediaMaxBytes
	}

	var results []MediaInfo
	for _, extract := range []func(context.Context, *telego.Message, int64) (MediaInfo, bool){
		c.extractPhoto, extractVideo, extractVideoNote, extractAnimation,
		c.extractAudio, c.extractVoice, c.extractDocument,
	} {
		if info, ok := extract(ctx, msg, maxBytes); ok {
			results = append(results, info)
		}
	}
	return results
}

// extractPhoto downloads the highest-resolution variant of a photo
// message and sanitizes it for LLM vision input.
func (c *Channel) extractPhoto(ctx context.Context, msg *telego.Message, maxBytes int64) (MediaInfo, bool) {
	if len(msg.Photo) == 0 {
		return MediaInfo{}, false
	}
	photo := msg.Photo[len(msg.Photo)-1]
	filePath, err := c.downloadMedia(ctx, photo.FileID, maxBytes)
	if err != nil {
		slog.Warn("failed to download photo", "file_id", photo.FileID, "error", err)
		return MediaInfo{}, false
	}
	sanitized, sanitizeErr := sanitizeImage(filePath)
	if sanitizeErr != nil {
		slog.Warn("failed to sanitize image, using original", "error", sanitizeErr)
		sanitized = filePath
	}
	return MediaInfo{
		Type: "image", FilePath: sanitized, FileID: photo.FileID,
		ContentType: "image/jpeg", FileSize: int64(photo.FileSize),
	}, true
}

// extractVideo, extractVideoNote, extractAnimation don't download — video
// understanding isn't supported, so only metadata is kept to drive the
// "video content analysis unsupported" notice downstream.
func extractVideo(_ context.Context, msg *telego.Message, _ int64) (MediaInfo, bool) {
	if msg.Video == nil {
		return MediaInfo{}, false
	}
	return MediaInfo{
		Type: "video", FileID: msg.Video.FileID, ContentType: msg.Video.MimeType,
		FileName: msg.Video.FileName, FileSize: int64(msg.Video.FileSize),
	}, true
}

func extractVideoNote(_ context.Context, msg *telego.Message, _ int64) (MediaInfo, bool) {
	if msg.VideoNote == nil {
		return MediaInfo{}, false
	}
	return MediaInfo{Type: "video", FileID: msg.VideoNote.FileID, ContentType: "video/mp4", FileSize: int64(msg.VideoNote.FileSize)}, true
}

func extractAnimation(_ context.Context, msg *telego.Message, _ int64) (MediaInfo, bool) {
	if msg.Animation == nil {
		return MediaInfo{}, false
	}
	return MediaInfo{
		Type: "animation", FileID: msg.Animation.FileID, ContentType: msg.Animation.MimeType,
		FileName: msg.Animation.FileName, FileSize: int64(msg.Animation.FileSize),
	}, true
}

func (c *Channel) extractAudio(ctx context.Context, msg *telego.Message, maxBytes int64) (MediaInfo, bool) {
	if msg.Audio == nil {
		return MediaInfo{}, false
	}
	filePath, err := c.downloadMedia(ctx, msg.Audio.FileID, maxBytes)
	if err != nil {
		slog.Warn("failed to download audio", "file_id", msg.Audio.FileID, "error", err)
		return MediaInfo{}, false
	}
	return MediaInfo{
		Type: "audio", FilePath: filePath, FileID: msg.Audio.FileID, ContentType: msg.Audio.MimeType,
		FileName: msg.Audio.FileName, FileSize: int64(msg.Audio.FileSize),
	}, true
}

func (c *Channel) extractVoice(ctx context.Context, msg *telego.Message, maxBytes int64) (MediaInfo, bool) {
	if msg.Voice == nil {
		return MediaInfo{}, false
	}
	filePath, err := c.downloadMedia(ctx, msg.Voice.FileID, maxBytes)
	if err != nil {
		slog.Warn("failed to download voice", "file_id", msg.Voice.FileID, "error", err)
		return MediaInfo{}, false
	}
	return MediaInfo{Type: "voice", FilePath: filePath, FileID: msg.Voice.FileID, ContentType: msg.Voice.MimeType, FileSize: int64(msg.Voice.FileSize)}, true
}

func (c *Channel) extractDocument(ctx context.Context, msg *telego.Message, maxBytes int64) (MediaInfo, bool) {
	if msg.Document == nil {
		return MediaInfo{}, false
	}
	filePath, err := c.downloadMedia(ctx, msg.Document.FileID, maxBytes)
	if err != nil {
		slog.Warn("failed to download document", "file_id", msg.Document.FileID, "error", err)
		return MediaInfo{}, false
	}
	return MediaInfo{
		Type: "document", FilePath: filePath, FileID: msg.Document.FileID, ContentType: msg.Document.MimeType,
		FileName: msg.Document.FileName, FileSize: int64(msg.Document.FileSize),
	}, true
}

// downloadMedia downloads a file from Telegram by file_id with retry logic.
// Returns the local file path.
func (c *Channel) downloadMedia(ctx context.Context, fileID string, maxBytes int64) (string, error) {
	var file *telego.File
	var err error

	// Retry up to downloadMaxRetries times, waiting attempt seconds between tries (1s, 2s)
	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			slog.Debug("retrying file download", "file_id", fileID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("get file info after %d attempts: %w", downloadMaxRetries, err)
	}

	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", fileID)
	}

	// Check file size before downloading
	if int64(file.FileSize) > maxBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, maxBytes)
	}

	// Build download URL
	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.config.Token, file.FilePath)

	resp, err := http.Get(downloadURL)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	// Determine extension from file path
	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}

	tmpFile, err := os.CreateTemp("", "clawgate_media_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer tmpFile.Close()

	// Copy with size limit
	written, err := io.Copy(tmpFile, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("save file: %w", err)
	}
	if written > maxBytes {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("file exceeds max size during download: %d bytes", written)
	}

	return tmpFile.Name(), nil
}

// buildMediaTags renders an inline placeholder tag per media item so the
// LLM knows what kind of attachment accompanied the text. Transcribed
// audio/voice items carry their transcript inline in a <transcript> block.
func buildMediaTags(mediaList []MediaInfo) string {
	var tags []string
	for _, m := range mediaList {
		switch m.Type {
		case "image":
			tags = append(tags, "<media:image>")
		case "video", "animation":
			tags = append(tags, "<media:video>")
		case "audio":
			if m.Transcript != "" {
				tags = append(tags, fmt.Sprintf("<media:audio>\n<transcript>%s</transcript>", html.EscapeString(m.Transcript)))
			} else {
				tags = append(tags, "<media:audio>")
			}
		case "voice":
			if m.Transcript != "" {
				tags = append(tags, fmt.Sprintf("<media:voice>\n<transcript>%s</transcript>", html.EscapeString(m.Transcript)))
			} else {
				tags = append(tags, "<media:voice>")
			}
		case "document":
			tags = append(tags, "<media:document>")
		}
	}
	return strings.Join(tags, "\n")
}

// --- Document Text Extraction ---

// textExtensions maps file extensions to MIME types for text files we can extract.
var textExtensions = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".tsv":  "text/tab-separated-values",
	".json": "application/json",
	".yaml": "text/yaml",
	".yml":  "text/yaml",
	".xml":  "text/xml",
	".log":  "text/plain",
	".ini":  "text/plain",
	".cfg":  "text/plain",
	".env":  "text/plain",
	".sh":   "text/x-shellscript",
	".py":   "text/x-python",
	".go":   "text/x-go",
	".js":   "text/javascript",
	".ts":   "text/typescript",
	".html": "text/html",
	".css":  "text/css",
	".sql":  "text/x-sql",
	".rs":   "text/x-rust",
	".java": "text/x-java",
	".c":    "text/x-c",
	".cpp":  "text/x-c++",
	".h":    "text/x-c",
	".rb":   "text/x-ruby",
	".php":  "text/x-php",
	".toml": "text/x-toml",
}

// extractDocumentContent reads a document file and returns its content
// wrapped in an XML-ish <file> block, truncated at docMaxChars. Binary
// formats we don't parse get a placeholder notice instead.
func extractDocumentContent(filePath, fileName string) (string, error) {
	if filePath == "" {
		return fmt.Sprintf("[File: %s — download failed]", fileName), nil
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	mime, isText := textExtensions[ext]
	if !isText {
		return fmt.Sprintf("[File: %s — binary format not supported, only text files can be processed]", fileName), nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("read file %s: %w", fileName, err)
	}

	content := string(data)

	// Truncate if too long
	if runes := []rune(content); len(runes) > docMaxChars {
		content = string(runes[:docMaxChars]) + "\n... [truncated]"
	}

	// XML escape content to prevent injection
	escaped := html.EscapeString(content)

	return fmt.Sprintf("<file name=%q mime=%q>\n%s\n</file>", fileName, mime, escaped), nil
}
