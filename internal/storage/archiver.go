// Package storage copies finished enhancement results out of the provider's
// short-lived URLs into the platform's S3 bucket.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/studioloop/backend/internal/models"
)

const defaultMaxObjectBytes = 256 << 20

var ErrObjectTooLarge = errors.New("result exceeds archive size limit")

type Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
	UsePathStyle  bool
	Prefix        string
	// MaxObjectBytes caps a single download.
	MaxObjectBytes int64
}

// ObjectPutter is the S3 call the archiver makes.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type ArtifactStore interface {
	GetTask(ctx context.Context, id uuid.UUID) (*models.EnhancementTask, error)
	SaveArtifact(ctx context.Context, a *models.TaskArtifact) error
}

type Archiver struct {
	cfg        Config
	client     ObjectPutter
	store      ArtifactStore
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewS3Client builds a static-credential S3 client; Endpoint switches to an
// S3-compatible service.
func NewS3Client(cfg Config) (*s3.Client, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}
	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(options), nil
}

func NewArchiver(cfg Config, client ObjectPutter, store ArtifactStore, logger *slog.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("s3 public base url is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "results"
	}
	if cfg.MaxObjectBytes <= 0 {
		cfg.MaxObjectBytes = defaultMaxObjectBytes
	}
	return &Archiver{
		cfg:        cfg,
		client:     client,
		store:      store,
		httpClient: &http.Client{Timeout: 90 * time.Second},
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Archive copies the result of a SUCCEEDED task. Tasks in any other state
// are skipped.
func (a *Archiver) Archive(ctx context.Context, taskID uuid.UUID) error {
	task, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State != models.TaskStateSucceeded || task.ResultURL == "" {
		a.logger.Debug("archive skipped", "task_id", taskID, "state", task.State)
		return nil
	}

	data, contentType, err := a.download(ctx, task.ResultURL)
	if err != nil {
		return err
	}

	key := a.objectKey(taskID, contentType)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		ACL:         types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return fmt.Errorf("upload to s3: %w", err)
	}

	artifact := &models.TaskArtifact{
		TaskID:    taskID,
		ObjectKey: key,
		URL:       strings.TrimRight(a.cfg.PublicBaseURL, "/") + "/" + key,
		CreatedAt: a.now().UTC(),
	}
	if err := a.store.SaveArtifact(ctx, artifact); err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	a.logger.Info("result archived", "task_id", taskID, "key", key, "bytes", len(data))
	return nil
}

func (a *Archiver) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("new download request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download result: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxObjectBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read result: %w", err)
	}
	if int64(len(data)) > a.cfg.MaxObjectBytes {
		return nil, "", ErrObjectTooLarge
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("download result: empty body")
	}
	contentType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	} else {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func (a *Archiver) objectKey(taskID uuid.UUID, contentType string) string {
	now := a.now().UTC()
	prefix := strings.Trim(a.cfg.Prefix, "/")
	return path.Join(prefix, fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()), taskID.String()+extensionFromContentType(contentType))
}

func extensionFromContentType(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	default:
		return ".bin"
	}
}
