// Package cloudtest wires archive integration tests to a local moto
// server standing in for S3.
//
// The helpers skip cleanly when no moto server is listening, so files
// tagged //go:build cloudintegration can run in any environment and
// only exercise the network path where one is provisioned.
//
// Usage:
//
//	func TestSink_CloudIntegration(t *testing.T) {
//	    cloudtest.SkipIfUnavailable(t)
//	    bucket := cloudtest.CreateBucket(t, ctx)
//	    // ... test code ...
//	}
package cloudtest

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	// DefaultEndpoint is the moto listener. Port 5555 avoids the macOS
	// AirTunes listener on 5000.
	DefaultEndpoint = "http://localhost:5555"

	// DefaultRegion is the region test clients are pinned to.
	DefaultRegion = "us-east-1"

	// Moto accepts any credentials; these only need to be non-empty.
	TestAccessKeyID     = "testing"
	TestSecretAccessKey = "testing"
)

var (
	// Endpoint is the moto server endpoint, overridable via MOTO_ENDPOINT.
	Endpoint = envOr("MOTO_ENDPOINT", DefaultEndpoint)

	// Region is the test region, overridable via MOTO_REGION.
	Region = envOr("MOTO_REGION", DefaultRegion)

	clientOnce   sync.Once
	sharedClient *s3.Client
	clientErr    error
)

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// SkipIfUnavailable skips the test unless a moto server answers at
// Endpoint.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	if err := probe(); err != nil {
		t.Skipf("moto not reachable at %s: %v (start with: docker run -p 5555:5000 motoserver/moto)", Endpoint, err)
	}
}

func probe() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// clientT returns the shared moto-backed S3 client, failing the test if
// it cannot be built.
func clientT(t *testing.T) *s3.Client {
	t.Helper()

	clientOnce.Do(func() {
		cfg, err := config.LoadDefaultConfig(context.Background(),
			config.WithRegion(Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				TestAccessKeyID, TestSecretAccessKey, "")),
		)
		if err != nil {
			clientErr = fmt.Errorf("load aws config: %w", err)
			return
		}
		sharedClient = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(Endpoint)
			o.UsePathStyle = true
		})
	})

	if clientErr != nil {
		t.Fatalf("moto client: %v", clientErr)
	}
	return sharedClient
}

// CreateBucket creates a bucket named after the running test and
// removes it, contents included, when the test finishes.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()

	c := clientT(t)
	name := bucketName(t.Name())

	if _, err := c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("create bucket %s: %v", name, err)
	}

	t.Cleanup(func() { removeBucket(t, name) })
	return name
}

// bucketName derives a valid, unique S3 bucket name from a test name.
// Bucket names allow lowercase alphanumerics and hyphens, 63 chars max.
func bucketName(testName string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, testName)
	if len(name) > 48 {
		name = name[:48]
	}
	return fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%100000)
}

// removeBucket drains and deletes the bucket, logging rather than
// failing so cleanup problems never mask the test result.
func removeBucket(t *testing.T, bucket string) {
	t.Helper()

	ctx := context.Background()
	c := clientT(t)

	pages := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			t.Logf("cleanup: list %s: %v", bucket, err)
			return
		}
		for _, obj := range page.Contents {
			if _, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(bucket),
				Key:    obj.Key,
			}); err != nil {
				t.Logf("cleanup: delete %s/%s: %v", bucket, aws.ToString(obj.Key), err)
			}
		}
	}

	if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Logf("cleanup: delete bucket %s: %v", bucket, err)
	}
}
