package usecase

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/ai-chat-bot/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-bot/internal/domain"
)

// DefaultImagePrompt is used when an image arrives without a caption.
const DefaultImagePrompt = "Describe this image in detail."

// DefaultDocumentPrompt is used when a document arrives without a caption.
const DefaultDocumentPrompt = "Summarize this document."

// FileService handles uploaded files: size and type validation, content
// sniffing, and dispatch to the vision or document analysis path. File turns
// are single-shot; they do not pull conversation history.
type FileService struct {
	Messages     domain.MessageRepository
	AI           domain.AIService
	Usage        UsageService
	MaxSizeBytes int64
	AllowedExts  []string
}

// NewFileService constructs a FileService.
func NewFileService(m domain.MessageRepository, ai domain.AIService, u UsageService, maxSize int64, allowedExts []string) FileService {
	return FileService{Messages: m, AI: ai, Usage: u, MaxSizeBytes: maxSize, AllowedExts: allowedExts}
}

// Validate rejects files that are too large or of a disallowed type before
// any content is fetched.
func (s FileService) Validate(name string, size int64) error {
	if size > s.MaxSizeBytes {
		return fmt.Errorf("%w: file exceeds %d bytes", domain.ErrInvalidArgument, s.MaxSizeBytes)
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" || !slices.Contains(s.AllowedExts, ext) {
		return fmt.Errorf("%w: file type %q not allowed", domain.ErrInvalidArgument, ext)
	}
	return nil
}

// AnalyzeImage runs a vision turn over an already-hosted image URL and
// records the result against the user's history and the usage ledger.
func (s FileService) AnalyzeImage(ctx domain.Context, userID, imageURL, fileName, caption string, opts domain.AIRequestOptions) (domain.Message, error) {
	prompt := strings.TrimSpace(caption)
	if prompt == "" {
		prompt = DefaultImagePrompt
	}

	resp, err := s.AI.AnalyzeImage(ctx, imageURL, prompt, opts)
	if err != nil {
		return domain.Message{}, err
	}
	return s.finish(ctx, userID, prompt, imageURL, fileName, resp)
}

// ProcessDocument sniffs the document content, rejects non-text payloads, and
// runs the analysis prompt over the extracted text.
func (s FileService) ProcessDocument(ctx domain.Context, userID string, content []byte, fileName, caption string, opts domain.AIRequestOptions) (domain.Message, error) {
	mt := mimetype.Detect(content)
	if !isTextual(mt) {
		return domain.Message{}, fmt.Errorf("%w: unsupported document type %s", domain.ErrInvalidArgument, mt.String())
	}

	prompt := strings.TrimSpace(caption)
	if prompt == "" {
		prompt = DefaultDocumentPrompt
	}

	resp, err := s.AI.ProcessTextFile(ctx, string(content), prompt, opts)
	if err != nil {
		return domain.Message{}, err
	}
	return s.finish(ctx, userID, prompt, "", fileName, resp)
}

func isTextual(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func (s FileService) finish(ctx domain.Context, userID, prompt, fileURL, fileName string, resp domain.AIResponse) (domain.Message, error) {
	userMsg := domain.Message{
		UserID:    userID,
		Role:      domain.RoleUser,
		Content:   prompt,
		FileURL:   fileURL,
		FileName:  fileName,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.Messages.Create(ctx, userMsg); err != nil {
		return domain.Message{}, fmt.Errorf("op=files.finish store user message: %w", err)
	}

	cost := s.AI.CalculateCost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Model, resp.Provider)
	tokens := resp.Usage.TotalTokens

	reply := domain.Message{
		UserID:    userID,
		Role:      domain.RoleAssistant,
		Content:   resp.Content,
		Tokens:    &tokens,
		Cost:      &cost,
		CreatedAt: time.Now().UTC(),
	}
	id, err := s.Messages.Create(ctx, reply)
	if err != nil {
		return domain.Message{}, fmt.Errorf("op=files.finish store reply: %w", err)
	}
	reply.ID = id

	if err := s.Usage.Record(ctx, domain.UsageRecord{
		UserID:      userID,
		Tokens:      tokens,
		Cost:        cost,
		Model:       resp.Model,
		RequestType: domain.RequestTypeFile,
	}); err != nil {
		return domain.Message{}, fmt.Errorf("op=files.finish record usage: %w", err)
	}
	observability.ChatTurnsTotal.WithLabelValues(domain.RequestTypeFile).Inc()

	return reply, nil
}
