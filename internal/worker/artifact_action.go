package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"automation-engine/internal/config"
	"automation-engine/internal/models"
)

// ActionStoreArtifact is the built-in action that persists a JSON snapshot.
const ActionStoreArtifact = "store_artifact"

type artifactUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ArtifactAction writes a JSON document for a run step to S3 or a local
// directory. Params:
//
//	key          object key; defaults to runs/<runId>/<stepId>.json
//	destination  "s3" or "local"; defaults to s3 when a bucket is configured
//	content      document to write; defaults to the trigger context
type ArtifactAction struct {
	local artifactUploader
	s3    artifactUploader
	now   func() time.Time
}

// NewArtifactAction builds the action, with an S3 uploader when
// cfg.ArtifactS3Bucket is set.
func NewArtifactAction(ctx context.Context, cfg config.Config) (*ArtifactAction, error) {
	baseDir := cfg.ArtifactOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}
	a := &ArtifactAction{local: &localUploader{baseDir: baseDir}, now: time.Now}
	if cfg.ArtifactS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.s3 = &s3Uploader{client: client, bucket: cfg.ArtifactS3Bucket}
	}
	return a, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArtifactS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArtifactS3PathStyle
		if cfg.ArtifactS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArtifactS3Endpoint)
		}
	}), nil
}

type artifactDocument struct {
	RunID          string                `json:"runId"`
	StepID         string                `json:"stepId"`
	StoredAt       time.Time             `json:"storedAt"`
	TriggerContext models.TriggerContext `json:"triggerContext"`
	Content        any                   `json:"content,omitempty"`
}

// Handle is an ActionHandler.
func (a *ArtifactAction) Handle(ctx context.Context, req ActionRequest) (ActionResult, error) {
	key, _ := req.ActionParams["key"].(string)
	if key == "" {
		key = path.Join("runs", req.RunID, req.StepID+".json")
	}
	key = sanitizeKey(key)
	if key == "" || strings.HasPrefix(key, "..") {
		return ActionResult{Success: false, Detail: "invalid artifact key"}, nil
	}
	destination, _ := req.ActionParams["destination"].(string)
	uploader, err := a.pickUploader(destination)
	if err != nil {
		return ActionResult{Success: false, Detail: err.Error()}, nil
	}

	body, err := json.MarshalIndent(artifactDocument{
		RunID:          req.RunID,
		StepID:         req.StepID,
		StoredAt:       a.now().UTC(),
		TriggerContext: req.TriggerContext,
		Content:        req.ActionParams["content"],
	}, "", "  ")
	if err != nil {
		return ActionResult{}, fmt.Errorf("marshal artifact: %w", err)
	}
	location, err := uploader.Upload(ctx, key, body, "application/json")
	if err != nil {
		return ActionResult{}, fmt.Errorf("upload artifact: %w", err)
	}
	return ActionResult{
		Success: true,
		Detail:  "stored " + location,
		Output:  map[string]any{"location": location, "bytes": len(body)},
	}, nil
}

func (a *ArtifactAction) pickUploader(destination string) (artifactUploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if a.s3 != nil {
			return a.s3, nil
		}
		return nil, errors.New("destination s3 requested but ARTIFACT_S3_BUCKET is not configured")
	case "local":
		return a.local, nil
	case "":
		if a.s3 != nil {
			return a.s3, nil
		}
		return a.local, nil
	default:
		return nil, fmt.Errorf("unknown artifact destination %q", destination)
	}
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	if key == "." {
		return ""
	}
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
