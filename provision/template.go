package provision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

const (
	templateName = "paratest_tmpl"
	cloneRetries = 3
)

type (
	// Handle references a built template. Immutable; a fingerprint change
	// atomically replaces the whole handle in the cache.
	Handle struct {
		Name        string
		Fingerprint string
		CreatedAt   time.Time
	}

	// Provisioner builds and caches the schema-only template and clones
	// per-worker instances from it. Template builds are serialized so
	// concurrent callers collapse into a single build.
	Provisioner struct {
		backend   Backend
		configKey string

		buildMu sync.Mutex
		cache   *cache.Cache
	}
)

func NewProvisioner(backend Backend) *Provisioner {
	return &Provisioner{
		backend: backend,
		cache:   cache.New(cache.NoExpiration, cache.NoExpiration),
	}
}

// WithConfigKey scopes the template cache to one engine configuration, so
// handles are keyed by (database identity, configuration).
func (p *Provisioner) WithConfigKey(key string) *Provisioner {
	p.configKey = key
	return p
}

func (p *Provisioner) Backend() Backend {
	return p.backend
}

func (p *Provisioner) cacheKey() string {
	return p.backend.Identity() + "\x00" + p.configKey
}

// Fingerprint hashes the ordered schema tuples together with the backing
// connection identity.
func Fingerprint(elements []SchemaElement, identity string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%v\n", identity)
	for _, e := range elements {
		fmt.Fprintf(h, "%v\x00%v\x00%v\x00%v\n", e.Table, e.Column, e.Type, e.Nullable)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EnsureTemplate returns the cached handle when the live schema still
// matches its fingerprint, and rebuilds the template otherwise.
func (p *Provisioner) EnsureTemplate(ctx context.Context) (*Handle, error) {
	if !p.backend.CanClone() {
		return nil, ErrCloneUnsupported
	}

	elements, err := p.backend.SchemaElements(ctx)
	if err != nil {
		return nil, &ProvisioningError{Op: "schema inspection", Err: err}
	}
	fingerprint := Fingerprint(elements, p.backend.Identity())

	if handle := p.cached(); handle != nil && handle.Fingerprint == fingerprint {
		return handle, nil
	}

	p.buildMu.Lock()
	defer p.buildMu.Unlock()

	// another caller may have finished the build while we waited
	if handle := p.cached(); handle != nil && handle.Fingerprint == fingerprint {
		return handle, nil
	}

	log.Infof("building %v template %v (fingerprint %.12v)", p.backend.Vendor(), templateName, fingerprint)

	err = retry.Do(
		func() error {
			err := p.backend.CreateTemplate(ctx, templateName)
			if IsPermissionDenied(err) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(cloneRetries),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, &ProvisioningError{Op: "template creation", Err: err}
	}

	handle := &Handle{Name: templateName, Fingerprint: fingerprint, CreatedAt: time.Now()}
	p.cache.Set(p.cacheKey(), handle, cache.NoExpiration)
	return handle, nil
}

func (p *Provisioner) cached() *Handle {
	if cached, ok := p.cache.Get(p.cacheKey()); ok {
		return cached.(*Handle)
	}
	return nil
}

// InstanceName is the isolated database assigned to one worker.
func InstanceName(worker int) string {
	return fmt.Sprintf("paratest_w%v", worker)
}

// CloneWorkers creates count isolated instances from the template. A failed
// clone drops its partial instance and recreates; transient failures are
// retried a bounded number of times before escalating.
func (p *Provisioner) CloneWorkers(ctx context.Context, handle *Handle, count int) ([]string, error) {
	instances := make([]string, 0, count)

	for worker := 0; worker < count; worker++ {
		name := InstanceName(worker)

		err := retry.Do(
			func() error {
				// drop any partial instance so the clone is idempotent
				if err := p.backend.Drop(ctx, name); err != nil {
					return err
				}
				err := p.backend.Clone(ctx, name, handle.Name)
				if IsPermissionDenied(err) {
					return retry.Unrecoverable(err)
				}
				return err
			},
			retry.Attempts(cloneRetries),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			return instances, &ProvisioningError{Op: fmt.Sprintf("cloning %v", name), Err: err}
		}

		instances = append(instances, name)
	}

	return instances, nil
}

// Cleanup drops worker instances. The template is kept for reuse across
// runs; drop failures are logged, not fatal.
func (p *Provisioner) Cleanup(ctx context.Context, instances []string) {
	for _, name := range instances {
		if err := p.backend.Drop(ctx, name); err != nil {
			log.Warnf("dropping %v failed: %v", name, err)
		}
	}
}

// IsPermissionDenied classifies vendor permission errors, which are fatal
// immediately instead of being retried.
func IsPermissionDenied(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.InsufficientPrivilege ||
			pgErr.Code == pgerrcode.InvalidAuthorizationSpecification
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// ER_DBACCESS_DENIED_ERROR, ER_ACCESS_DENIED_ERROR, ER_TABLEACCESS_DENIED_ERROR
		return myErr.Number == 1044 || myErr.Number == 1045 || myErr.Number == 1142
	}

	return false
}
