package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// S3Config holds the audio archive settings.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
	PublicURL string
}

// objectPutter is the part of *s3.Client the archive uses.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// AudioArchive stores inbound voice notes in an S3 compatible bucket so the
// admin UI can play them back.
type AudioArchive struct {
	client objectPutter
	config S3Config
	now    func() time.Time
}

// NewAudioArchive builds the S3 client from static credentials.
func NewAudioArchive(cfg S3Config) (*AudioArchive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket cannot be empty")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available, set S3_ACCESS_KEY and S3_SECRET_KEY")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	// Clean endpoint if it contains bucket name (common misconfiguration)
	if cfg.Endpoint != "" && strings.Contains(cfg.Endpoint, cfg.Bucket+".") {
		cleaned := strings.Replace(cfg.Endpoint, cfg.Bucket+".", "", 1)
		log.Warn().
			Str("originalEndpoint", cfg.Endpoint).
			Str("cleanedEndpoint", cleaned).
			Msg("Cleaned bucket name from S3 endpoint")
		cfg.Endpoint = cleaned
	}
	// Buckets with dots break virtual-hosted TLS certificates.
	if strings.Contains(cfg.Bucket, ".") {
		cfg.PathStyle = true
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", cfg.Endpoint).
		Bool("pathStyle", cfg.PathStyle).
		Msg("S3 audio archive initialized")
	return &AudioArchive{client: client, config: cfg, now: time.Now}, nil
}

// ObjectKey builds instances/{instance}/inbox/{customer}/{yyyy}/{mm}/{dd}/audio/{messageID}{ext}.
func (a *AudioArchive) ObjectKey(instance, customer, messageID, mimeType string) string {
	customer = strings.NewReplacer("@", "_", ":", "_").Replace(customer)
	now := a.now().UTC()
	return fmt.Sprintf("instances/%s/inbox/%s/%s/%s/%s/audio/%s%s",
		instance,
		customer,
		now.Format("2006"),
		now.Format("01"),
		now.Format("02"),
		messageID,
		audioExtension(mimeType),
	)
}

func audioExtension(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "opus"):
		return ".opus"
	case strings.Contains(mimeType, "mpeg"), strings.Contains(mimeType, "mp3"):
		return ".mp3"
	case strings.Contains(mimeType, "mp4"), strings.Contains(mimeType, "m4a"), strings.Contains(mimeType, "aac"):
		return ".m4a"
	case strings.Contains(mimeType, "wav"):
		return ".wav"
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	}
	return ".bin"
}

// StoreAudio uploads a voice note and returns its public URL.
func (a *AudioArchive) StoreAudio(ctx context.Context, instance, customer, messageID, mimeType string, data []byte) (string, error) {
	key := a.ObjectKey(instance, customer, messageID, mimeType)
	contentType := mimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(a.config.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=3600"),
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("key", key).
			Str("bucket", a.config.Bucket).
			Int("size", len(data)).
			Msg("Failed to upload audio to S3")
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	url := a.PublicURL(key)
	log.Info().Str("key", key).Int("size", len(data)).Msg("Audio archived to S3")
	return url, nil
}

// PublicURL generates the public URL of an object.
func (a *AudioArchive) PublicURL(key string) string {
	cfg := a.config
	if cfg.PublicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(cfg.PublicURL, "/"), cfg.Bucket, key)
	}
	if cfg.Endpoint != "" && !strings.Contains(cfg.Endpoint, "amazonaws.com") {
		if cfg.PathStyle {
			return fmt.Sprintf("%s/%s/%s", strings.TrimRight(cfg.Endpoint, "/"), cfg.Bucket, key)
		}
		host := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")
		return fmt.Sprintf("https://%s.%s/%s", cfg.Bucket, strings.TrimRight(host, "/"), key)
	}
	if cfg.PathStyle {
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", cfg.Region, cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", cfg.Bucket, cfg.Region, key)
}
