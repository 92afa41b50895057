// Package azure keeps the shared metadata area in an Azure Blob Storage
// container, one blob per slot under <prefix>/metadata/<id>.
package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"pkt.systems/pslog"

	"github.com/arachmani/ovirt-hosted-engine-ha/api"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/loggingutil"
	"github.com/arachmani/ovirt-hosted-engine-ha/storage"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	// Endpoint defaults to https://<account>.blob.core.windows.net.
	Endpoint  string
	SASToken  string
	Container string
	Prefix    string
	Logger    pslog.Logger
}

// Store implements storage.Backend on a blob container.
type Store struct {
	client    *azblob.Client
	endpoint  string
	container string
	prefix    string
	logger    pslog.Logger
}

var _ storage.Backend = (*Store)(nil)

// New builds the client. No request is made until Verify or the first
// operation.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{Transport: defaultTransporter()},
	}
	if cfg.SASToken != "" {
		withSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(withSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	return &Store{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		logger:    loggingutil.WithSubsystem(cfg.Logger, "storage.azure"),
	}, nil
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
	}
	clone := base.Clone()
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

// Endpoint returns the service endpoint without any SAS token.
func (s *Store) Endpoint() string { return s.endpoint }

// Verify creates the container when it does not exist yet.
func (s *Store) Verify(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := s.client.CreateContainer(ctx, s.container, nil); err != nil && !isContainerExists(err) {
		return fmt.Errorf("azure: create container: %w", err)
	}
	return nil
}

// RawStats downloads every block blob.
func (s *Store) RawStats(ctx context.Context) (api.StatsSnapshot, error) {
	prefix := s.metadataPrefix()
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: to.Ptr(prefix),
	})
	out := make(api.StatsSnapshot)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure: list metadata: %w", classify(err))
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			id, err := strconv.Atoi(strings.TrimPrefix(*item.Name, prefix))
			if err != nil || id < 0 || id > storage.MaxHostID {
				s.logger.Debug("storage.azure.raw_stats.skip", "blob", *item.Name)
				continue
			}
			block, found, err := s.readBlock(ctx, *item.Name)
			if err != nil {
				return nil, err
			}
			if found && !storage.IsEmptyBlock(block) {
				out[id] = block
			}
		}
	}
	s.logger.Trace("storage.azure.raw_stats", "container", s.container, "blocks", len(out))
	return out, nil
}

func (s *Store) readBlock(ctx context.Context, name string) (string, bool, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("azure: download %s: %w", name, classify(err))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, storage.BlockSize+1))
	if err != nil {
		return "", false, fmt.Errorf("azure: read %s: %w", name, err)
	}
	if len(data) > storage.BlockSize {
		return "", false, fmt.Errorf("azure: %s: %w", name, storage.ErrBlockTooLarge)
	}
	return string(data), true, nil
}

// PutStats replaces the blob of id. An empty block deletes it.
func (s *Store) PutStats(ctx context.Context, id int, block string) error {
	if err := storage.ValidateBlock(id, block); err != nil {
		return err
	}
	name := s.blockName(id)
	if storage.IsEmptyBlock(block) {
		return s.remove(ctx, name)
	}
	_, err := s.client.UploadStream(ctx, s.container, name, bytes.NewReader([]byte(block)), &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr("text/plain")},
	})
	if err != nil {
		return fmt.Errorf("azure: upload %s: %w", name, classify(err))
	}
	s.logger.Debug("storage.azure.put_stats", "id", id, "blob", name, "bytes", len(block))
	return nil
}

// ResetLockspace deletes every blob under the lockspace prefix.
func (s *Store) ResetLockspace(ctx context.Context) error {
	prefix := s.withPrefix("lockspace") + "/"
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: to.Ptr(prefix),
	})
	removed := 0
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("azure: list lockspace: %w", classify(err))
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			if err := s.remove(ctx, *item.Name); err != nil {
				return err
			}
			removed++
		}
	}
	s.logger.Info("storage.azure.lockspace_reset", "container", s.container, "prefix", prefix, "removed", removed)
	return nil
}

func (s *Store) remove(ctx context.Context, name string) error {
	if _, err := s.client.DeleteBlob(ctx, s.container, name, nil); err != nil && !isNotFound(err) {
		return fmt.Errorf("azure: delete %s: %w", name, classify(err))
	}
	return nil
}

// Close is a no-op for the blob client.
func (s *Store) Close() error { return nil }

func (s *Store) metadataPrefix() string {
	return s.withPrefix("metadata") + "/"
}

func (s *Store) blockName(id int) string {
	return s.metadataPrefix() + strconv.Itoa(id)
}

func (s *Store) withPrefix(p string) string {
	if s.prefix == "" {
		return p
	}
	return path.Join(s.prefix, p)
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

func classify(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && storage.RetryableStatus(respErr.StatusCode) {
		return storage.NewTransientError(err)
	}
	return err
}
