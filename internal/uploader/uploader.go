package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// flySocketPath is where Fly.io machines expose their API
const flySocketPath = "/.fly/api"

// objectPutter is the part of the S3 client the uploader uses
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Options configures where archives go and how the uploader authenticates
type Options struct {
	Bucket   string
	Region   string
	Endpoint string // For S3-compatible services

	// RoleARN selects web identity authentication. The identity token is
	// read from TokenFile when set, otherwise from the Fly.io machine API.
	RoleARN   string
	TokenFile string

	// Legacy static credentials, used when RoleARN is empty
	AccessKeyID     string
	SecretAccessKey string

	DeleteAfterUpload bool
	MaxRetries        int
}

// Uploader ships closed reply archives to S3
type Uploader struct {
	s3Client    objectPutter
	bucket      string
	deleteAfter bool
	maxRetries  int
	baseBackoff time.Duration
}

// flyTokenRetriever implements stscreds.IdentityTokenRetriever for Fly.io OIDC
type flyTokenRetriever struct {
	socketPath string
	audience   string
}

// GetIdentityToken fetches an OIDC token from Fly.io's Unix socket API
func (f *flyTokenRetriever) GetIdentityToken() ([]byte, error) {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", f.socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}

	reqBody, err := json.Marshal(map[string]string{"aud": f.audience})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := client.Post("http://localhost/v1/tokens/oidc", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	token, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}

	return token, nil
}

// New creates an uploader, picking web identity or static credentials
func New(ctx context.Context, opts Options) (*Uploader, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.RoleARN == "" {
		log.Println("WARNING: Using static AWS credentials (deprecated). Migrate to OIDC for better security.")
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	if opts.RoleARN != "" {
		log.Printf("Using OIDC authentication with role: %s", opts.RoleARN)

		var retriever stscreds.IdentityTokenRetriever = &flyTokenRetriever{
			socketPath: flySocketPath,
			audience:   "sts.amazonaws.com",
		}
		if opts.TokenFile != "" {
			retriever = stscreds.IdentityTokenFile(opts.TokenFile)
		}

		provider := stscreds.NewWebIdentityRoleProvider(sts.NewFromConfig(cfg), opts.RoleARN, retriever,
			func(o *stscreds.WebIdentityRoleOptions) {
				o.RoleSessionName = "infobot"
			})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Uploader{
		s3Client:    s3Client,
		bucket:      opts.Bucket,
		deleteAfter: opts.DeleteAfterUpload,
		maxRetries:  opts.MaxRetries,
		baseBackoff: time.Second,
	}, nil
}

// ScanAndUploadExisting uploads archives left behind by a previous run
func (u *Uploader) ScanAndUploadExisting(ctx context.Context, outputDir string) error {
	log.Printf("Scanning %s for existing archives to upload...", outputDir)

	entries, err := os.ReadDir(outputDir)
	if os.IsNotExist(err) {
		log.Println("No archive directory yet, nothing to upload")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read directory: %w", err)
	}

	var pending []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		if _, err := generateS3Key(entry.Name()); err != nil {
			log.Printf("Warning: Skipping unrecognized file %s: %v", entry.Name(), err)
			continue
		}
		pending = append(pending, filepath.Join(outputDir, entry.Name()))
	}

	if len(pending) == 0 {
		log.Println("No existing archives found to upload")
		return nil
	}

	log.Printf("Found %d existing archive(s) to upload", len(pending))
	for _, path := range pending {
		go u.upload(ctx, path)
	}

	return nil
}

// Start uploads every file received on fileChan until ctx is cancelled
func (u *Uploader) Start(ctx context.Context, fileChan <-chan string) error {
	for {
		select {
		case localPath := <-fileChan:
			go u.upload(ctx, localPath)

		case <-ctx.Done():
			log.Println("Uploader shutting down...")
			return ctx.Err()
		}
	}
}

// upload runs uploadWithRetry and logs the outcome
func (u *Uploader) upload(ctx context.Context, localPath string) {
	if err := u.uploadWithRetry(ctx, localPath); err != nil {
		log.Printf("Error uploading %s: %v", filepath.Base(localPath), err)
	}
}

// uploadWithRetry uploads a file, backing off 1s, 2s, 4s... between attempts
func (u *Uploader) uploadWithRetry(ctx context.Context, localPath string) error {
	filename := filepath.Base(localPath)

	s3Key, err := generateS3Key(filename)
	if err != nil {
		return fmt.Errorf("generate S3 key: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= u.maxRetries; attempt++ {
		lastErr = u.uploadFile(ctx, localPath, s3Key)
		if lastErr == nil {
			log.Printf("Successfully uploaded %s to s3://%s/%s", filename, u.bucket, s3Key)

			if u.deleteAfter {
				if err := os.Remove(localPath); err != nil {
					log.Printf("Error deleting local file %s: %v", localPath, err)
				} else {
					log.Printf("Deleted local file %s", localPath)
				}
			}
			return nil
		}

		if attempt < u.maxRetries {
			backoff := time.Duration(1<<uint(attempt)) * u.baseBackoff
			log.Printf("Upload attempt %d/%d failed for %s: %v. Retrying in %v",
				attempt+1, u.maxRetries+1, filename, lastErr, backoff)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("gave up after %d attempts: %w", u.maxRetries+1, lastErr)
}

// uploadFile puts one file to S3
func (u *Uploader) uploadFile(ctx context.Context, localPath, s3Key string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	_, err = u.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(s3Key),
		Body:        file,
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}

	return nil
}

// generateS3Key generates an S3 key from a filename
// Input: zulip_general_20251230_103000.jsonl
// Output: 2025/12/30/zulip/general/zulip_general_20251230_103000.jsonl
func generateS3Key(filename string) (string, error) {
	nameWithoutExt := strings.TrimSuffix(filename, ".jsonl")

	// Parse filename: platform_destination_YYYYMMDD_HHMMSS
	// Destinations may contain underscores, so parse from the end
	parts := strings.Split(nameWithoutExt, "_")
	if len(parts) < 4 {
		return "", fmt.Errorf("invalid filename format: %s", filename)
	}

	platform := parts[0]
	dateStr := parts[len(parts)-2] // YYYYMMDD
	timeStr := parts[len(parts)-1] // HHMMSS
	destination := strings.Join(parts[1:len(parts)-2], "_")

	t, err := time.Parse("20060102_150405", dateStr+"_"+timeStr)
	if err != nil {
		return "", fmt.Errorf("parse timestamp: %w", err)
	}

	return fmt.Sprintf("%04d/%02d/%02d/%s/%s/%s",
		t.Year(), t.Month(), t.Day(), platform, destination, filename), nil
}
