package volumes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/runtime"
)

// Policy selects the cloning strategy for a volume.
type Policy int

const (
	// AutoPolicy dispatches to LiveSnapshot for database volumes whose
	// producer is running, FastCopy otherwise.
	AutoPolicy Policy = iota
	FastCopy
	LiveSnapshot
)

const (
	copyTimeout     = 600 * time.Second
	snapshotTimeout = 1800 * time.Second

	utilityImage  = "alpine"
	postgresImage = "postgres:latest"
)

// Cloner copies, backs up, and restores named volumes through one-shot
// containers.
type Cloner struct {
	RT *runtime.Docker
}

func NewCloner(rt *runtime.Docker) *Cloner { return &Cloner{RT: rt} }

// IsDatabaseVolume reports whether the volume name marks a relational
// database store that must not be file-copied while live.
func IsDatabaseVolume(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "postgres") && strings.Contains(n, "data")
}

// Copy clones src into dst under the given policy. A missing src yields a
// fresh empty dst. dst is created when absent and removed again on failure.
func (c *Cloner) Copy(ctx context.Context, src, dst string, policy Policy) error {
	if !c.RT.VolumeExists(ctx, src) {
		log.Infof("source volume %s does not exist, creating empty %s", src, dst)
		return c.RT.VolumeCreate(ctx, dst)
	}
	if err := c.RT.VolumeCreate(ctx, dst); err != nil {
		return err
	}

	strategy := policy
	if strategy == AutoPolicy {
		strategy = FastCopy
		if IsDatabaseVolume(src) {
			live, err := c.sourceLive(ctx, src)
			if err != nil {
				return err
			}
			if live {
				strategy = LiveSnapshot
			}
		}
	}

	var err error
	switch strategy {
	case LiveSnapshot:
		err = c.liveSnapshot(ctx, src, dst)
	default:
		err = c.fastCopy(ctx, src, dst)
	}
	if err != nil {
		if rmErr := c.RT.VolumeRemove(ctx, dst); rmErr != nil && !errs.IsKind(rmErr, errs.NotFound) {
			log.Warnf("failed to remove partial volume %s: %v", dst, rmErr)
		}
		return err
	}
	return nil
}

func (c *Cloner) sourceLive(ctx context.Context, src string) (bool, error) {
	ids, err := c.RT.ContainersUsingVolume(ctx, src)
	if err != nil {
		return false, err
	}
	return c.RT.ContainersRunning(ctx, ids)
}

// fastCopy copies the file tree through a throwaway container with src
// mounted read-only.
func (c *Cloner) fastCopy(ctx context.Context, src, dst string) error {
	cctx, cancel := context.WithTimeout(ctx, copyTimeout)
	defer cancel()
	log.Infof("copying volume %s -> %s", src, dst)
	err := c.RT.RunThrowaway(cctx, utilityImage,
		[]string{src + ":/source:ro", dst + ":/dest"},
		"sh", "-c", "cp -a /source/. /dest/ 2>/dev/null || cp -r /source/* /dest/ 2>/dev/null || true")
	if err != nil {
		return errs.Wrap(errs.VolumeCopyFailed, "volume copy", err, "fast copy %s -> %s", src, dst)
	}
	return nil
}

// liveSnapshot dumps the running database logically and replays the dump into
// a fresh server bound to dst.
func (c *Cloner) liveSnapshot(ctx context.Context, src, dst string) error {
	cctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	container, err := c.findDatabaseContainer(cctx, src)
	if err != nil {
		return err
	}
	log.Infof("live snapshot of %s via container %s", src, container)

	dump, err := c.RT.Exec(cctx, container, "pg_dumpall", "-U", "postgres", "-c")
	if err != nil {
		return errs.Wrap(errs.VolumeCopyFailed, "volume copy", err, "dump database from %s", container)
	}
	if strings.TrimSpace(dump) == "" {
		return errs.New(errs.VolumeCopyFailed, "volume copy", "empty dump from %s", container)
	}

	// Stage the dump inside dst so the replay container can read it.
	writeCmd := fmt.Sprintf("cat > /dest/.dockertree-restore.sql << 'DOCKERTREE_EOF'\n%s\nDOCKERTREE_EOF", dump)
	if err := c.RT.RunThrowaway(cctx, utilityImage, []string{dst + ":/dest"}, "sh", "-c", writeCmd); err != nil {
		return errs.Wrap(errs.VolumeCopyFailed, "volume copy", err, "stage dump into %s", dst)
	}

	replay := strings.Join([]string{
		"chown -R postgres:postgres /var/lib/postgresql/data",
		"su postgres -c 'initdb -D /var/lib/postgresql/data'",
		"su postgres -c 'pg_ctl -D /var/lib/postgresql/data -w start'",
		"su postgres -c 'psql -f /var/lib/postgresql/data/.dockertree-restore.sql postgres'",
		"rm -f /var/lib/postgresql/data/.dockertree-restore.sql",
		"su postgres -c 'pg_ctl -D /var/lib/postgresql/data -m fast -w stop'",
	}, " && ")
	if err := c.RT.RunThrowaway(cctx, postgresImage, []string{dst + ":/var/lib/postgresql/data"}, "sh", "-c", replay); err != nil {
		return errs.Wrap(errs.VolumeCopyFailed, "volume copy", err, "replay dump into %s", dst)
	}
	return nil
}

// findDatabaseContainer picks the running container using the volume.
func (c *Cloner) findDatabaseContainer(ctx context.Context, volume string) (string, error) {
	ids, err := c.RT.ContainersUsingVolume(ctx, volume)
	if err != nil {
		return "", err
	}
	for _, id := range ids {
		running, err := c.RT.ContainersRunning(ctx, []string{id})
		if err != nil {
			continue
		}
		if running {
			return id, nil
		}
	}
	return "", errs.New(errs.VolumeCopyFailed, "volume copy", "no running container uses volume %s", volume)
}

// Backup streams a volume into the tar.gz hostDir/fileName.
func (c *Cloner) Backup(ctx context.Context, volume, hostDir, fileName string) error {
	cctx, cancel := context.WithTimeout(ctx, copyTimeout)
	defer cancel()
	log.Infof("backing up volume %s", volume)
	err := c.RT.RunThrowaway(cctx, utilityImage,
		[]string{volume + ":/data:ro", hostDir + ":/backup"},
		"tar", "czf", "/backup/"+fileName, "-C", "/data", ".")
	if err != nil {
		return errs.Wrap(errs.VolumeCopyFailed, "volume backup", err, "backup %s", volume)
	}
	return nil
}

// Restore unpacks a tar.gz backup into the volume, replacing its contents.
func (c *Cloner) Restore(ctx context.Context, volume, hostDir, fileName string) error {
	cctx, cancel := context.WithTimeout(ctx, copyTimeout)
	defer cancel()
	if err := c.RT.VolumeCreate(cctx, volume); err != nil {
		return err
	}
	log.Infof("restoring volume %s from %s", volume, fileName)
	err := c.RT.RunThrowaway(cctx, utilityImage,
		[]string{volume + ":/data", hostDir + ":/backup:ro"},
		"sh", "-c", "rm -rf /data/* /data/..?* /data/.[!.]* 2>/dev/null; tar xzf /backup/"+fileName+" -C /data")
	if err != nil {
		return errs.Wrap(errs.VolumeCopyFailed, "volume restore", err, "restore %s", volume)
	}
	return nil
}

// SizeBytes measures a volume's disk usage through a throwaway container.
func (c *Cloner) SizeBytes(ctx context.Context, volume string) (uint64, error) {
	cctx, cancel := context.WithTimeout(ctx, copyTimeout)
	defer cancel()
	out, err := c.RT.RunThrowawayCapture(cctx, utilityImage,
		[]string{volume + ":/data:ro"}, "du", "-sk", "/data")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, errs.New(errs.Runtime, "volume size", "unexpected du output for %s", volume)
	}
	var kb uint64
	if _, err := fmt.Sscanf(fields[0], "%d", &kb); err != nil {
		return 0, errs.Wrap(errs.Runtime, "volume size", err, "parse du output for %s", volume)
	}
	return kb * 1024, nil
}

// Size renders a volume's disk usage with binary units.
func (c *Cloner) Size(ctx context.Context, volume string) (string, error) {
	n, err := c.SizeBytes(ctx, volume)
	if err != nil {
		return "", err
	}
	return humanize.IBytes(n), nil
}

// BackupName returns the archive file name for a volume.
func BackupName(volume string) string {
	return volume + ".tar.gz"
}

// StageName returns a unique temporary directory name for volume staging.
func StageName(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}
