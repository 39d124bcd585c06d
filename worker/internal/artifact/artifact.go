// Package artifact resolves file-based GIF payloads into transportable
// form and optionally mirrors them to a MinIO bucket.
package artifact

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type UploaderConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Uploader mirrors GIF bytes to object storage. A nil Uploader means
// inline base64 only.
type Uploader struct {
	cfg UploaderConfig
}

func NewUploader(cfg UploaderConfig) (*Uploader, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		cfg.Bucket = "codequeue-artifacts"
	}
	return &Uploader{cfg: cfg}, nil
}

func (u *Uploader) Upload(ctx context.Context, taskID, name string, data []byte) (string, error) {
	client, err := minio.New(u.cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(u.cfg.AccessKey, u.cfg.SecretKey, ""),
		Secure: u.cfg.UseSSL,
	})
	if err != nil {
		return "", err
	}
	exists, err := client.BucketExists(ctx, u.cfg.Bucket)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := client.MakeBucket(ctx, u.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return "", err
		}
	}
	objectName := fmt.Sprintf("%s/%s", taskID, name)
	_, err = client.PutObject(ctx, u.cfg.Bucket, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "image/gif"})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("minio://%s/%s", u.cfg.Bucket, objectName), nil
}

// AttachGIFData rewrites a marker payload that references a local
// gif_file into inline base64 (gif_data / gif_url), deleting the temp
// file afterwards. When an uploader is present the raw bytes are also
// mirrored and gif_uri records where. Upload failure degrades to the
// inline copy.
func AttachGIFData(ctx context.Context, payload map[string]any, taskID string, up *Uploader) {
	if payload == nil {
		return
	}
	path, _ := payload["gif_file"].(string)
	if path == "" {
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Printf("read gif file %s: %v", path, err)
		return
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	payload["gif_data"] = encoded
	payload["gif_url"] = "data:image/gif;base64," + encoded
	_ = os.Remove(path)

	if up == nil {
		return
	}
	name, _ := payload["gif_filename"].(string)
	if name == "" {
		name = fmt.Sprintf("output-%d.gif", time.Now().Unix())
	}
	uri, err := up.Upload(ctx, taskID, name, raw)
	if err != nil {
		log.Printf("gif upload failed task=%s: %v", taskID, err)
		return
	}
	payload["gif_uri"] = uri
}
