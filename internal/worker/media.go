package worker

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"postflow/internal/config"
	"postflow/internal/models"
)

// MediaPreparer readies a post's media before publishing: download, resize to
// the platform's preferred width, upload to hosting. The returned location is
// recorded in the publish result.
type MediaPreparer interface {
	Prepare(ctx context.Context, payload models.JobPayload) (string, error)
}

type mediaUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// MediaPipeline implements MediaPreparer against S3 when a bucket is
// configured, else a local directory.
type MediaPipeline struct {
	cfg        config.Config
	httpClient *http.Client
	uploader   mediaUploader
}

// NewMediaPipeline constructs the pipeline and chooses the uploader.
func NewMediaPipeline(ctx context.Context, cfg config.Config) (*MediaPipeline, error) {
	timeout := cfg.MediaDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var uploader mediaUploader
	if cfg.MediaS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		uploader = &s3Uploader{client: client, bucket: cfg.MediaS3Bucket}
	} else {
		baseDir := cfg.MediaOutputDir
		if baseDir == "" {
			baseDir = "./media"
		}
		uploader = &localUploader{baseDir: baseDir}
	}

	return &MediaPipeline{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		uploader:   uploader,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MediaS3Region),
	}
	if cfg.MediaS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.MediaS3Endpoint,
					HostnameImmutable: cfg.MediaS3PathStyle,
					SigningRegion:     cfg.MediaS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MediaS3PathStyle
	}), nil
}

// Prepare downloads, fits, and uploads the payload's media. Any failure is an
// attempt-level failure subject to the normal retry path.
func (m *MediaPipeline) Prepare(ctx context.Context, payload models.JobPayload) (string, error) {
	data, contentType, err := m.download(ctx, payload.MediaURL)
	if err != nil {
		return "", err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode media: %w", err)
	}

	width := payload.Platform.MediaWidth()
	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}

	outputFormat := imaging.JPEG
	if strings.EqualFold(format, "png") {
		outputFormat = imaging.PNG
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode media: %w", err)
	}

	key := mediaKey(payload, outputFormat)
	location, err := m.uploader.Upload(ctx, key, buf.Bytes(), mimeForFormat(outputFormat, contentType))
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	return location, nil
}

func (m *MediaPipeline) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download media: status %d", resp.StatusCode)
	}

	limit := m.cfg.MediaMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("media too large (>%d bytes)", limit)
	}

	return body, resp.Header.Get("Content-Type"), nil
}

func mediaKey(payload models.JobPayload, format imaging.Format) string {
	ext := "jpg"
	if format == imaging.PNG {
		ext = "png"
	}
	name := payload.PostID
	if name == "" {
		name = payload.JobID
	}
	return fmt.Sprintf("%s/%s/%s.%s", payload.OwnerID, payload.Platform, name, ext)
}

func mimeForFormat(format imaging.Format, fallback string) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	default:
		if strings.Contains(strings.ToLower(fallback), "png") {
			return "image/png"
		}
		return "image/jpeg"
	}
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.Clean(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
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
