package topology_test

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nvmf-harness/nvmftests/pkg/sysfs"
	"github.com/nvmf-harness/nvmftests/pkg/topology"
)

type fakeDevices struct {
	// listings are returned by successive List calls; the last one repeats.
	listings [][]string
	lists    int
	block    map[string]bool
	char     map[string]bool
	// blockAfter makes IsBlockDevice report true only from the given call on.
	blockAfter int
	blockCalls int
}

func (f *fakeDevices) List() ([]string, error) {
	i := f.lists
	if i >= len(f.listings) {
		i = len(f.listings) - 1
	}
	f.lists++
	return append([]string(nil), f.listings[i]...), nil
}

func (f *fakeDevices) Path(name string) string { return "/dev/" + name }

func (f *fakeDevices) IsBlockDevice(name string) (bool, error) {
	f.blockCalls++
	if f.blockCalls <= f.blockAfter {
		return false, nil
	}
	return f.block[name], nil
}

func (f *fakeDevices) IsCharDevice(name string) (bool, error) { return f.char[name], nil }

var _ = Describe("Resolver", func() {
	var (
		devices *fakeDevices
		slept   []time.Duration
		root    string
		attrs   *sysfs.OSTree
		r       *topology.Resolver
	)

	BeforeEach(func() {
		devices = &fakeDevices{
			listings: [][]string{{"nvme0", "nvme0n1", "nvme0n2", "nvme1n1", "loop0"}},
			block:    map[string]bool{"nvme0n1": true, "nvme0n2": true},
		}
		slept = nil

		var err error
		root, err = ioutil.TempDir("", "nvmf-ctl")
		Expect(err).NotTo(HaveOccurred())
		attrs = sysfs.NewOSTree(root)

		r = topology.NewResolver(topology.Config{
			Devices:       devices,
			Attrs:         attrs,
			Sleep:         func(d time.Duration) { slept = append(slept, d) },
			BlockDevDelay: time.Millisecond,
		})
	})

	AfterEach(func() {
		os.RemoveAll(root)
	})

	addController := func(ctrl, nqn string, namespaces ...string) {
		Expect(attrs.MakeDir(ctrl)).To(Succeed())
		Expect(attrs.WriteAttr(filepath.Join(ctrl, "subsysnqn"), nqn+"\n")).To(Succeed())
		Expect(attrs.WriteAttr(filepath.Join(ctrl, "state"), "live\n")).To(Succeed())
		for _, ns := range namespaces {
			Expect(attrs.MakeDir(filepath.Join(ctrl, ns))).To(Succeed())
		}
	}

	It("discovers the controller and its namespaces", func() {
		ctrl, err := r.DiscoverController()
		Expect(err).NotTo(HaveOccurred())
		Expect(ctrl).To(Equal("nvme0"))

		namespaces, err := r.DiscoverNamespaces(ctrl)
		Expect(err).NotTo(HaveOccurred())
		Expect(namespaces).To(Equal([]string{"nvme0n1", "nvme0n2"}))
		Expect(slept).To(Equal([]time.Duration{topology.DefaultSettle}))
	})

	It("picks the controller that sorts last in natural order", func() {
		devices.listings = [][]string{{"nvme10", "nvme2", "nvme9", "nvme-fabrics", "nvme10n1"}}
		ctrl, err := r.DiscoverController()
		Expect(err).NotTo(HaveOccurred())
		Expect(ctrl).To(Equal("nvme10"))
	})

	It("orders namespaces naturally", func() {
		devices.listings = [][]string{{"nvme1n10", "nvme1n2", "nvme1", "nvme1n1"}}
		namespaces, err := r.DiscoverNamespaces("nvme1")
		Expect(err).NotTo(HaveOccurred())
		Expect(namespaces).To(Equal([]string{"nvme1n1", "nvme1n2", "nvme1n10"}))
	})

	It("rescans after the settle interval", func() {
		devices.listings = [][]string{
			{"nvme0"},
			{"nvme0", "nvme0n1"},
		}
		ctrl, err := r.DiscoverController()
		Expect(err).NotTo(HaveOccurred())

		namespaces, err := r.DiscoverNamespaces(ctrl)
		Expect(err).NotTo(HaveOccurred())
		Expect(namespaces).To(Equal([]string{"nvme0n1"}))
	})

	It("fails discovery without a controller", func() {
		devices.listings = [][]string{{"loop0", "null", "nvme-fabrics"}}
		_, err := r.DiscoverController()
		Expect(err).To(BeAssignableToTypeOf(&topology.DiscoveryError{}))
	})

	It("fails discovery without namespaces", func() {
		devices.listings = [][]string{{"nvme0", "nvme1n1"}}
		_, err := r.DiscoverNamespaces("nvme0")
		Expect(err).To(BeAssignableToTypeOf(&topology.DiscoveryError{}))
	})

	It("waits for namespace nodes to become block devices", func() {
		devices.blockAfter = 3
		Expect(r.WaitBlockDevices(context.Background(), []string{"nvme0n1", "nvme0n2"})).To(Succeed())
	})

	It("gives up on nodes that never become block devices", func() {
		err := r.WaitBlockDevices(context.Background(), []string{"nvme0n1", "nvme1n1"})
		Expect(err).To(MatchError(ContainSubstring("/dev/nvme1n1 is not a block device")))
	})

	Describe("ValidateTopology", func() {
		BeforeEach(func() {
			addController("nvme0", "testnqn1", "nvme0n1", "nvme0n2")
			addController("nvme1", "testnqn2", "nvme1n1")
		})

		It("accepts a matching topology", func() {
			Expect(r.ValidateTopology("testnqn1", "nvme0", []string{"nvme0n1", "nvme0n2"})).To(Succeed())
		})

		It("rejects a controller that does not advertise the subsystem", func() {
			err := r.ValidateTopology("testnqn2", "nvme0", []string{"nvme0n1", "nvme0n2"})
			Expect(err).To(BeAssignableToTypeOf(&topology.ValidationError{}))
		})

		It("matches the subsystem NQN exactly", func() {
			addController("nvme2", "testnqn10", "nvme2n1")
			Expect(r.ValidateTopology("testnqn1", "nvme0", []string{"nvme0n1", "nvme0n2"})).To(Succeed())
			Expect(r.ValidateTopology("testnqn10", "nvme2", []string{"nvme2n1"})).To(Succeed())
		})

		It("rejects an unknown subsystem", func() {
			err := r.ValidateTopology("testnqn9", "nvme0", []string{"nvme0n1"})
			Expect(err).To(BeAssignableToTypeOf(&topology.ValidationError{}))
		})

		It("rejects namespaces missing from the attribute tree", func() {
			err := r.ValidateTopology("testnqn1", "nvme0", []string{"nvme0n1", "nvme0n2", "nvme0n3"})
			Expect(err).To(MatchError(ContainSubstring("nvme0n3 missing")))
		})

		It("rejects namespaces that were not discovered", func() {
			err := r.ValidateTopology("testnqn1", "nvme0", []string{"nvme0n1"})
			Expect(err).To(MatchError(ContainSubstring("nvme0n2 was not discovered")))
		})
	})
})
