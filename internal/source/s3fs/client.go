// Package s3fs discovers resources in an S3-compatible bucket. Object
// stores have no real directories, so "/"-delimited common prefixes
// stand in for them and each one's change token is a fingerprint of
// its immediate children.
package s3fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"syncwatch/internal/syncer"
)

// API is the S3 surface the client needs; it matches the paginator's
// client interface so tests can substitute a fake.
type API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Client lists one bucket, optionally under a fixed key prefix.
// Resource paths are "/"-separated, relative to the prefix. SDK errors
// pass through untouched for classification.
type Client struct {
	api    API
	bucket string
	prefix string // without trailing slash, "" for the bucket root
}

// New returns a client over an existing S3 API.
func New(api API, bucket, prefix string) *Client {
	return &Client{api: api, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// NewFromConfig builds a client from the ambient AWS configuration.
// endpoint overrides the service URL for S3-compatible stores.
func NewFromConfig(ctx context.Context, bucket, prefix, region, endpoint string) (*Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	api := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return New(api, bucket, prefix), nil
}

// Discover lists the pseudo-directory at rel. A child prefix's token
// covers every object below it, so a change at any depth is visible
// from a shallow listing of an ancestor; each child fingerprint costs
// one undelimited paginated request. Recursive discovery walks shallow
// listings so tokens stay consistent with what the next evaluation
// will compute.
func (c *Client) Discover(ctx context.Context, rel string, recursive bool) (*syncer.Listing, error) {
	keyPrefix := c.keyPrefix(rel)

	objects, prefixes, err := c.listShallow(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}

	listing := &syncer.Listing{
		Self: &syncer.ResourceInfo{Path: normalizeRel(rel), Token: fingerprint(objects, prefixes)},
	}
	for _, obj := range objects {
		key := aws.ToString(obj.Key)
		if key == keyPrefix { // zero-byte directory marker
			continue
		}
		listing.Files = append(listing.Files, syncer.ResourceInfo{
			Path:  c.relOf(key),
			Token: strings.Trim(aws.ToString(obj.ETag), `"`),
			Size:  aws.ToInt64(obj.Size),
		})
	}
	for _, p := range prefixes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		childObjects, lerr := c.listDeep(ctx, p)
		token := ""
		if lerr == nil {
			token = fingerprint(childObjects, nil)
		}
		listing.Directories = append(listing.Directories, syncer.ResourceInfo{
			Path:  c.relOf(strings.TrimSuffix(p, "/")),
			Token: token,
		})
	}

	if recursive {
		for _, dir := range listing.Directories {
			sub, serr := c.Discover(ctx, dir.Path, true)
			if serr != nil {
				return nil, serr
			}
			listing.Files = append(listing.Files, sub.Files...)
			listing.Directories = append(listing.Directories, sub.Directories...)
		}
	}
	return listing, nil
}

func (c *Client) listShallow(ctx context.Context, keyPrefix string) ([]types.Object, []string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(c.bucket),
		Delimiter: aws.String("/"),
	}
	if keyPrefix != "" {
		input.Prefix = aws.String(keyPrefix)
	}

	var objects []types.Object
	var prefixes []string
	p := s3.NewListObjectsV2Paginator(c.api, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, nil, err
		}
		objects = append(objects, page.Contents...)
		for _, cp := range page.CommonPrefixes {
			prefixes = append(prefixes, aws.ToString(cp.Prefix))
		}
	}
	return objects, prefixes, nil
}

// listDeep lists every object under keyPrefix at any depth.
func (c *Client) listDeep(ctx context.Context, keyPrefix string) ([]types.Object, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(c.bucket)}
	if keyPrefix != "" {
		input.Prefix = aws.String(keyPrefix)
	}

	var objects []types.Object
	p := s3.NewListObjectsV2Paginator(c.api, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		objects = append(objects, page.Contents...)
	}
	return objects, nil
}

// keyPrefix maps a "/"-rooted relative path to an object key prefix
// ending in "/" ("" for the bucket root with no configured prefix).
func (c *Client) keyPrefix(rel string) string {
	parts := []string{}
	if c.prefix != "" {
		parts = append(parts, c.prefix)
	}
	if trimmed := strings.Trim(rel, "/"); trimmed != "" {
		parts = append(parts, trimmed)
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "/") + "/"
}

// relOf strips the configured prefix from an object key and roots it.
func (c *Client) relOf(key string) string {
	if c.prefix != "" {
		key = strings.TrimPrefix(key, c.prefix+"/")
	}
	return "/" + strings.Trim(key, "/")
}

func normalizeRel(rel string) string {
	trimmed := strings.Trim(rel, "/")
	if trimmed == "" {
		return "/"
	}
	return "/" + trimmed
}

// fingerprint derives a change token from a set of object keys with
// their ETags and sizes, plus child prefix names when fed a shallow
// listing. Any add, delete, or rewrite among the inputs moves it.
func fingerprint(objects []types.Object, prefixes []string) string {
	h := sha256.New()
	for _, obj := range objects {
		h.Write([]byte(aws.ToString(obj.Key)))
		h.Write([]byte{0})
		h.Write([]byte(aws.ToString(obj.ETag)))
		fmt.Fprintf(h, ":%d", aws.ToInt64(obj.Size))
		h.Write([]byte{0})
	}
	for _, p := range prefixes {
		h.Write([]byte(p))
		h.Write([]byte{0, 'd'})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
