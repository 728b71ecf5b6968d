package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"caflz/api/model"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

type Client struct {
	mc     *minio.Client
	config Config
}

func NewClient(cfg Config) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &Client{mc: mc, config: cfg}, nil
}

// EnsureBucket creates name unless it already exists.
func (c *Client) EnsureBucket(ctx context.Context, name string) error {
	log := logr.FromContextOrDiscard(ctx)
	exists, err := c.mc.BucketExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", name, err)
	}
	if exists {
		log.V(1).Info("s3 bucket exists", "bucket", name)
		return nil
	}
	region := c.config.Region
	if region == "" {
		region = "us-east-1"
	}
	if err := c.mc.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", name, err)
	}
	log.Info("s3 bucket created", "bucket", name)
	return nil
}

func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.mc.ListBuckets(ctx)
	return err
}

func (c *Client) Endpoint() string {
	return c.config.Endpoint
}

// Archiver uploads the captured output of finished deployments to
// <bucket>/<customer>/<component>/<deployment id>/.
type Archiver struct {
	Client *Client
	Bucket string
}

func (a *Archiver) Archive(ctx context.Context, d *model.Deployment) error {
	files, err := archiveFiles(d)
	if err != nil {
		return err
	}
	prefix := archivePrefix(d)
	for _, f := range files {
		key := path.Join(prefix, f.name)
		_, err := a.Client.mc.PutObject(ctx, a.Bucket, key, bytes.NewReader(f.body), int64(len(f.body)),
			minio.PutObjectOptions{ContentType: f.contentType})
		if err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
	}
	logr.FromContextOrDiscard(ctx).V(1).Info("deployment archived", "bucket", a.Bucket, "prefix", prefix, "files", len(files))
	return nil
}

type archiveFile struct {
	name        string
	contentType string
	body        []byte
}

func archivePrefix(d *model.Deployment) string {
	return path.Join(d.CustomerID, string(d.Component), strconv.FormatInt(d.ID, 10))
}

// archiveFiles picks what is worth keeping. Empty outputs are skipped.
func archiveFiles(d *model.Deployment) ([]archiveFile, error) {
	var files []archiveFile
	text := func(name, body string) {
		if body != "" {
			files = append(files, archiveFile{name: name, contentType: "text/plain; charset=utf-8", body: []byte(body)})
		}
	}
	text("plan.txt", d.PlanOutput)
	if d.Action == model.ActionDestroy {
		text("destroy.txt", d.ApplyOutput)
	} else {
		text("apply.txt", d.ApplyOutput)
	}
	if len(d.Outputs) > 0 {
		body, err := json.MarshalIndent(d.Outputs, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal outputs: %w", err)
		}
		files = append(files, archiveFile{name: "outputs.json", contentType: "application/json", body: body})
	}
	return files, nil
}
