package target_test

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nvmf-harness/nvmftests/pkg/shell/shelltest"
	"github.com/nvmf-harness/nvmftests/pkg/sysfs"
	"github.com/nvmf-harness/nvmftests/pkg/target"
)

// loopJSON is a configuration in the format of the checked in config/loop.json files.
const loopJSON = `{
    "ports": [
        {
            "addr": {
                "adrfam": "",
                "traddr": "",
                "treq": "not specified",
                "trsvcid": "",
                "trtype": "loop"
            },
            "portid": 1,
            "referrals": [
                null
            ],
            "subsystems": [
                "testnqn1"
            ]
        }
    ],
    "subsystems": [
        {
            "allowed_hosts": [
                "hostnqn"
            ],
            "attr": {
                "allow_any_host": "1"
            },
            "namespaces": [
                {
                    "device": {
                        "nguid": "00000000-0000-0000-0000-000000000000",
                        "path": "/dev/loop0"
                    },
                    "enable": 1,
                    "nsid": 1
                },
                {
                    "device": {
                        "nguid": "00000000-0000-0000-0000-000000000000",
                        "path": "/dev/loop1"
                    },
                    "enable": 0,
                    "nsid": 2
                }
            ],
            "nqn": "testnqn1"
        }
    ]
}
`

var _ = Describe("Config", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = ioutil.TempDir("", "nvmf-target-config")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	It("generates subsystems with namespaces spread over the devices", func() {
		cfg, err := target.GenerateConfig(2, 3, []string{"/dev/loop0", "/dev/loop1"})
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.NQNs()).To(Equal([]string{"testnqn1", "testnqn2"}))
		var paths []string
		for _, ns := range cfg.Subsystems[1].Namespaces {
			paths = append(paths, ns.Device.Path)
			Expect(ns.Enable).To(Equal(1))
			Expect(ns.Device.NGUID).To(Equal(target.ZeroNGUID))
		}
		Expect(paths).To(Equal([]string{"/dev/loop0", "/dev/loop1", "/dev/loop0"}))
		Expect(cfg.Ports).To(HaveLen(1))
		Expect(cfg.Ports[0].PortID).To(Equal(1))
		Expect(cfg.Ports[0].Addr.TrType).To(Equal("loop"))
		Expect(cfg.Ports[0].Subsystems).To(Equal([]string{"testnqn1", "testnqn2"}))
	})

	It("refuses to generate without devices", func() {
		_, err := target.GenerateConfig(1, 1, nil)
		Expect(err).To(HaveOccurred())
	})

	It("writes files in the checked in format", func() {
		cfg, err := target.GenerateConfig(1, 2, []string{"/dev/loop0", "/dev/loop1"})
		Expect(err).NotTo(HaveOccurred())
		cfg.Subsystems[0].Namespaces[1].Enable = 0

		path := filepath.Join(dir, "loop.json")
		Expect(target.WriteConfig(path, cfg)).To(Succeed())
		data, err := ioutil.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal(loopJSON))
	})

	It("loads checked in files", func() {
		path := filepath.Join(dir, "loop.json")
		Expect(ioutil.WriteFile(path, []byte(loopJSON), 0644)).To(Succeed())

		cfg, err := target.LoadConfig(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.NQNs()).To(Equal([]string{"testnqn1"}))
		Expect(cfg.Subsystems[0].Namespaces[1].Enable).To(Equal(0))
		Expect(cfg.Ports[0].Referrals).To(HaveLen(1))
	})

	It("rejects ports exporting unknown subsystems", func() {
		cfg, err := target.GenerateConfig(1, 1, []string{"/dev/nullb0"})
		Expect(err).NotTo(HaveOccurred())
		cfg.Ports[0].Subsystems = append(cfg.Ports[0].Subsystems, "testnqn7")
		Expect(cfg.Validate()).To(MatchError("port 1 references unknown subsystem testnqn7"))
	})

	It("assigns random NGUIDs to generated namespaces", func() {
		cfg, err := target.GenerateConfig(1, 2, []string{"/dev/nullb0"})
		Expect(err).NotTo(HaveOccurred())
		cfg.AssignNGUIDs()

		a := cfg.Subsystems[0].Namespaces[0].Device.NGUID
		b := cfg.Subsystems[0].Namespaces[1].Device.NGUID
		Expect(a).NotTo(Equal(target.ZeroNGUID))
		Expect(a).To(HaveLen(36))
		Expect(a).NotTo(Equal(b))
	})
})

var _ = Describe("Target", func() {
	var (
		ctx  context.Context
		root string
		cfs  *sysfs.OSTree
		rec  *shelltest.Recorder
		tgt  *target.Target
		cfg  *target.Config
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		root, err = ioutil.TempDir("", "nvmf-configfs")
		Expect(err).NotTo(HaveOccurred())
		cfs = sysfs.NewOSTree(root)
		rec = shelltest.NewRecorder()
		tgt = target.New(target.Options{ConfigFS: cfs, MountPoint: root, Exec: rec})

		cfg, err = target.GenerateConfig(2, 2, []string{"/dev/loop0", "/dev/loop1"})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(root)
	})

	attr := func(path string) string {
		v, err := cfs.ReadAttr(path)
		Expect(err).NotTo(HaveOccurred())
		return v
	}

	It("loads the target modules", func() {
		Expect(tgt.LoadModules(ctx)).To(Succeed())
		Expect(rec.Calls()).To(Equal([]string{
			"modprobe configfs",
			"mountpoint -q " + root,
			"modprobe nvme",
			"modprobe nvmet",
			"modprobe nvme-loop",
		}))
	})

	It("mounts configfs when it is not mounted", func() {
		rec.Fail("mountpoint", 1)
		Expect(tgt.LoadModules(ctx)).To(Succeed())
		Expect(rec.Calls()).To(ContainElement("mount -t configfs none " + root))
	})

	It("builds subsystems, namespaces and ports", func() {
		Expect(tgt.Configure(ctx, cfg)).To(Succeed())

		Expect(attr("nvmet/subsystems/testnqn1/attr_allow_any_host")).To(Equal("1"))
		Expect(attr("nvmet/subsystems/testnqn2/namespaces/2/device_path")).To(Equal("/dev/loop1"))
		Expect(attr("nvmet/subsystems/testnqn2/namespaces/2/device_nguid")).To(Equal(target.ZeroNGUID))
		Expect(attr("nvmet/subsystems/testnqn2/namespaces/2/enable")).To(Equal("1"))
		Expect(attr("nvmet/ports/1/addr_trtype")).To(Equal("loop"))

		links, err := cfs.ListChildren("nvmet/ports/1/subsystems")
		Expect(err).NotTo(HaveOccurred())
		Expect(links).To(Equal([]string{"testnqn1", "testnqn2"}))
		Expect(tgt.Ports()[0].Subsystems()).To(Equal([]string{"testnqn1", "testnqn2"}))
	})

	It("enables and disables namespaces", func() {
		Expect(tgt.Configure(ctx, cfg)).To(Succeed())
		ns := tgt.Subsystem("testnqn1").Namespaces()[0]

		Expect(ns.Disable()).To(Succeed())
		Expect(ns.Enabled()).To(BeFalse())
		Expect(attr("nvmet/subsystems/testnqn1/namespaces/1/enable")).To(Equal("0"))

		Expect(ns.Enable()).To(Succeed())
		Expect(attr("nvmet/subsystems/testnqn1/namespaces/1/enable")).To(Equal("1"))
	})

	It("refuses non-loop ports and cleans up", func() {
		cfg.Ports[0].Addr.TrType = "tcp"
		Expect(tgt.Configure(ctx, cfg)).To(MatchError(ContainSubstring("only the loop transport")))
		Expect(cfs.Exists("nvmet/subsystems/testnqn1")).To(BeFalse())
	})

	It("deletes everything once", func() {
		Expect(tgt.Configure(ctx, cfg)).To(Succeed())

		Expect(tgt.Delete(ctx)).To(BeTrue())
		Expect(cfs.Exists("nvmet/ports/1")).To(BeFalse())
		Expect(cfs.Exists("nvmet/subsystems/testnqn1")).To(BeFalse())
		Expect(cfs.Exists("nvmet/subsystems/testnqn2")).To(BeFalse())
		Expect(rec.Count("modprobe -r")).To(Equal(3))

		Expect(tgt.Delete(ctx)).To(BeTrue())
		Expect(rec.Count("modprobe -r")).To(Equal(3))
	})

	It("keeps deleting after a failure", func() {
		Expect(tgt.Configure(ctx, cfg)).To(Succeed())
		Expect(cfs.RemoveDir("nvmet/subsystems/testnqn1/namespaces/1")).To(Succeed())

		Expect(tgt.Delete(ctx)).To(BeFalse())
		Expect(cfs.Exists("nvmet/subsystems/testnqn2")).To(BeFalse())
	})
})
