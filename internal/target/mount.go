package target

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/sourceplane/devicelab/internal/host"
)

// Mounter gives access to one partition of a disk image. The returned
// unmount func must be called on every path once the caller is done.
type Mounter interface {
	Mount(ctx context.Context, image string, partition int) (dir string, unmount func() error, err error)
}

// LoopMounter loop mounts partitions at the byte offset reported by
// parted.
type LoopMounter struct {
	Host     host.Commander
	TempRoot string
}

func (m *LoopMounter) Mount(ctx context.Context, image string, partition int) (string, func() error, error) {
	offset, err := m.partitionOffset(ctx, image, partition)
	if err != nil {
		return "", nil, err
	}

	dir, err := os.MkdirTemp(m.TempRoot, "mnt-")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create mount point: %w", err)
	}
	cmd := fmt.Sprintf("mount -o loop,offset=%d %s %s", offset, shellQuote(image), shellQuote(dir))
	if _, err := host.Check(ctx, m.Host, cmd); err != nil {
		os.Remove(dir)
		return "", nil, fmt.Errorf("unable to mount %s at offset %d: %w", image, offset, err)
	}

	unmount := func() error {
		// the job context may already be cancelled here
		_, uerr := host.Check(context.Background(), m.Host, "umount "+shellQuote(dir))
		if rerr := os.RemoveAll(dir); rerr != nil && uerr == nil {
			uerr = rerr
		}
		return uerr
	}
	return dir, unmount, nil
}

func (m *LoopMounter) partitionOffset(ctx context.Context, image string, partition int) (int64, error) {
	out, err := host.Check(ctx, m.Host, fmt.Sprintf("parted %s -m -s unit b print", shellQuote(image)))
	if err != nil {
		return 0, err
	}
	return parsePartitionOffset(out, partition)
}

func parsePartitionOffset(partedOutput string, partition int) (int64, error) {
	re := regexp.MustCompile(fmt.Sprintf(`^%d:(\d+)B:`, partition))
	for _, line := range strings.Split(partedOutput, "\n") {
		if m := re.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			return strconv.ParseInt(m[1], 10, 64)
		}
	}
	return 0, fmt.Errorf("partition %d not found in partition table", partition)
}
