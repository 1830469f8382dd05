package host_test

import (
	"context"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/nvmf-harness/nvmftests/pkg/events"
	"github.com/nvmf-harness/nvmftests/pkg/host"
	"github.com/nvmf-harness/nvmftests/pkg/host/hosttest"
	"github.com/nvmf-harness/nvmftests/pkg/job"
	"github.com/nvmf-harness/nvmftests/pkg/shell/shelltest"
	"github.com/nvmf-harness/nvmftests/pkg/sysfs"
	"github.com/nvmf-harness/nvmftests/pkg/topology"
	"github.com/nvmf-harness/nvmftests/pkg/worker"
)

const idCtrlOutput = `NVME Identify Controller:
vid       : 0
ssvid     : 0
sn        : 2c51e6b8f6d0b2e1
mn        : Linux
subnqn    : testnqn1
ps    0 : mp:25.00W operational enlat:16 exlat:4 rrt:0 rrl:0
          rwt:0 rwl:0 idle_power:- active_power:-
`

const smartLogOutput = `Smart Log for NVME device:nvme0 namespace-id ffffffff
critical_warning                    : 0
temperature                         : 0 C
data_units_read                     : 1,024
data_units_written                  : 2,048 (1.05 GB)
host_read_commands                  : 12,345
host_write_commands                 : 678
`

var _ = Describe("Host", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		root     string
		attrs    *sysfs.OSTree
		devices  *hosttest.Devices
		fabrics  *hosttest.Fabrics
		rec      *shelltest.Recorder
		logger   *capturingLogger
		phases   *phaseCounter
		opts     host.Options
		h        *host.Host
		readJob  *job.DdJob
		mountDir string
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)

		var err error
		root, err = ioutil.TempDir("", "nvmf-ctl")
		Expect(err).NotTo(HaveOccurred())
		mountDir, err = ioutil.TempDir("", "nvmf-mnt")
		Expect(err).NotTo(HaveOccurred())
		attrs = sysfs.NewOSTree(root)

		devices = hosttest.NewDevices()
		fabrics = hosttest.NewFabrics(devices, attrs)
		fabrics.Namespaces["testnqn1"] = 2
		fabrics.Namespaces["testnqn2"] = 1

		rec = shelltest.NewRecorder().Output("nvme id-ctrl", idCtrlOutput)
		logger = &capturingLogger{}
		phases = &phaseCounter{}
		noSleep := func(time.Duration) {}

		opts = host.Options{
			Transport: host.TransportLoop,
			Exec:      rec,
			Fabrics:   fabrics,
			Resolver: topology.NewResolver(topology.Config{
				Devices:       devices,
				Attrs:         attrs,
				Sleep:         noSleep,
				BlockDevDelay: time.Millisecond,
			}),
			Attrs:            attrs,
			Logger:           logger,
			Interceptor:      phases,
			TerminateTimeout: 5 * time.Second,
			Sleep:            noSleep,
			Rand:             rand.New(rand.NewSource(1)),
			MountRoot:        mountDir,
			CheckDevice:      func(string) error { return nil },
		}
		h = host.New(opts)

		readJob = &job.DdJob{
			Direction:  job.Read,
			OutputFile: "/dev/null",
			BlockSize:  "4k",
			Count:      1,
			Exec:       rec,
		}
	})

	AfterEach(func() {
		h.Delete(ctx)
		cancel()
		os.RemoveAll(root)
		os.RemoveAll(mountDir)
	})

	devicesOf := func(c *host.Controller) []string {
		var devs []string
		for _, ns := range c.Namespaces() {
			devs = append(devs, ns.Device())
		}
		return devs
	}

	It("connects one controller per subsystem", func() {
		Expect(h.LoadModules(ctx)).To(Succeed())
		Expect(h.Configure(ctx, []string{"testnqn1", "testnqn2"})).To(Succeed())

		ctrls := h.Controllers()
		Expect(ctrls).To(HaveLen(2))
		Expect(ctrls[0].Name()).To(Equal("nvme0"))
		Expect(ctrls[0].Device()).To(Equal("/dev/nvme0"))
		Expect(devicesOf(ctrls[0])).To(Equal([]string{"/dev/nvme0n1", "/dev/nvme0n2"}))
		Expect(ctrls[1].Name()).To(Equal("nvme1"))
		Expect(devicesOf(ctrls[1])).To(Equal([]string{"/dev/nvme1n1"}))

		Expect(fabrics.Connects()).To(Equal([]string{"transport=loop,nqn=testnqn1", "transport=loop,nqn=testnqn2"}))
		Expect(rec.Count("modprobe nvme-fabrics")).To(Equal(1))
		Expect(rec.Count("nvme id-ns")).To(Equal(3))
		Expect(ctrls[0].Attributes()).To(Equal(map[string]string{
			"vid":   "0",
			"ssvid": "0",
			"sn":    "2c51e6b8f6d0b2e1",
			"mn":    "Linux",
		}))

		for _, ns := range ctrls[0].Namespaces() {
			Expect(ns.Worker().State()).To(Equal(worker.Running))
		}
	})

	It("rejects transports other than loop", func() {
		opts.Transport = "rdma"
		h = host.New(opts)
		Expect(h.Configure(ctx, []string{"testnqn1"})).To(MatchError(ContainSubstring("only the loop transport")))
		Expect(fabrics.Connects()).To(BeEmpty())
	})

	It("tears down already connected controllers when one fails", func() {
		fabrics.FailConnect["testnqn2"] = true

		err := h.Configure(ctx, []string{"testnqn1", "testnqn2"})
		Expect(err).To(MatchError(ContainSubstring("connect to testnqn2 refused")))
		Expect(h.Controllers()).To(BeEmpty())
		Expect(fabrics.Disconnects()).To(Equal([]string{"testnqn1"}))
	})

	It("fails initialization when no namespace shows up", func() {
		fabrics.Namespaces["testnqn3"] = 0

		err := h.Configure(ctx, []string{"testnqn3"})
		var discoveryErr *topology.DiscoveryError
		Expect(errors.As(err, &discoveryErr)).To(BeTrue())
		Expect(h.Controllers()).To(BeEmpty())
		Expect(fabrics.Disconnects()).To(Equal([]string{"testnqn3"}))
	})

	It("fails initialization when identify namespace fails", func() {
		rec.Fail("nvme id-ns /dev/nvme0n2", 1)

		Expect(h.Configure(ctx, []string{"testnqn1"})).NotTo(Succeed())
		Expect(fabrics.Disconnects()).To(Equal([]string{"testnqn1"}))
	})

	Context("with two namespaces under one controller", func() {
		var ctrl *host.Controller

		BeforeEach(func() {
			Expect(h.Configure(ctx, []string{"testnqn1"})).To(Succeed())
			ctrl = h.Controllers()[0]
		})

		It("reports queuing and execution success independently", func() {
			rec.Fail("dd if=/dev/nvme0n2", 1)

			Expect(ctrl.RunParallel(readJob)).To(BeTrue())
			Expect(phases.Count(events.Submitted)).To(Equal(2))
			Expect(ctrl.WaitParallel(ctx)).To(BeFalse())

			var jobErr *worker.JobExecutionError
			Expect(errors.As(ctrl.Namespaces()[1].Worker().Err(), &jobErr)).To(BeTrue())
			Expect(ctrl.Namespaces()[0].Worker().Err()).NotTo(HaveOccurred())
		})

		It("queues exactly one job per namespace", func() {
			Expect(ctrl.RunParallel(readJob)).To(BeTrue())
			Expect(ctrl.WaitParallel(ctx)).To(BeTrue())
			Expect(phases.Count(events.Submitted)).To(Equal(2))
			Expect(rec.Calls()).To(ContainElement("dd if=/dev/nvme0n1 of=/dev/null bs=4k count=1"))
			Expect(rec.Calls()).To(ContainElement("dd if=/dev/nvme0n2 of=/dev/null bs=4k count=1"))
		})

		It("stops queuing at the first namespace that refuses", func() {
			Expect(ctrl.Namespaces()[0].Delete(ctx)).To(BeTrue())

			Expect(ctrl.RunParallel(readJob)).To(BeFalse())
			Expect(phases.Count(events.Submitted) + phases.Count(events.Rejected)).To(Equal(1))
			Expect(rec.Count("dd")).To(BeZero())
		})

		It("waits for every namespace even after a failure", func() {
			rec.Fail("dd", 1)

			Expect(ctrl.RunParallel(readJob)).To(BeTrue())
			Expect(ctrl.WaitParallel(ctx)).To(BeFalse())
			Expect(logger.Count("Wait failed.")).To(Equal(2))
		})

		It("stops a sequential run at the first failure", func() {
			rec.Fail("dd if=/dev/nvme0n1", 1)

			Expect(ctrl.RunSequential(ctx, readJob)).To(BeFalse())
			Expect(rec.Count("dd if=/dev/nvme0n2")).To(BeZero())
		})

		It("does not share the template between namespaces", func() {
			Expect(ctrl.RunSequential(ctx, readJob)).To(BeTrue())
			Expect(readJob.InputFile).To(BeEmpty())
			Expect(rec.Count("dd if=/dev/nvme0n1 ")).To(Equal(1))
			Expect(rec.Count("dd if=/dev/nvme0n2 ")).To(Equal(1))
		})

		It("refuses templates it cannot aim at a namespace", func() {
			readJob.Direction = "sideways"
			Expect(ctrl.RunParallel(readJob)).To(BeFalse())
			Expect(phases.Count(events.Submitted)).To(BeZero())
		})

		It("rescans and resets through the attribute tree", func() {
			Expect(ctrl.Rescan()).To(BeTrue())
			Expect(ctrl.Reset()).To(BeTrue())

			v, err := attrs.ReadAttr("nvme0/rescan_controller")
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal("1"))
			v, err = attrs.ReadAttr("nvme0/reset_controller")
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal("1"))
		})

		It("reads the smart log of the controller and every namespace", func() {
			rec.Output("nvme smart-log", smartLogOutput)

			Expect(ctrl.SmartLog(ctx)).To(BeTrue())
			Expect(rec.Calls()).To(ContainElement("nvme smart-log /dev/nvme0 -n 0xFFFFFFFF"))
			Expect(rec.Calls()).To(ContainElement("nvme smart-log /dev/nvme0 -n 2"))

			logs := ctrl.SmartLogs()
			Expect(logs).To(HaveLen(3))
			Expect(logs["/dev/nvme0n1"]).To(Equal(host.SmartLog{
				DataUnitsRead:     1024,
				DataUnitsWritten:  2048,
				HostReadCommands:  12345,
				HostWriteCommands: 678,
			}))
		})

		It("runs namespace admin commands", func() {
			Expect(ctrl.NSDescs(ctx)).To(BeTrue())
			Expect(ctrl.GetNSID(ctx)).To(BeTrue())
			Expect(rec.Count("nvme ns-descs")).To(Equal(2))
			Expect(rec.Count("nvme get-ns-id")).To(Equal(2))

			rec.Fail("nvme get-ns-id /dev/nvme0n1", 1)
			Expect(ctrl.GetNSID(ctx)).To(BeFalse())
			Expect(rec.Count("nvme get-ns-id")).To(Equal(3))
		})

		It("runs fio on mounted file systems", func() {
			rec.Fail("mountpoint", 1)
			Expect(ctrl.MkfsSeq(ctx, "ext4")).To(BeTrue())
			Expect(rec.Count("mkfs.ext4 -F /dev/nvme0n")).To(Equal(2))

			rec.Output("mountpoint", "")
			fio := &job.FioJob{Name: "fs", RW: "randread", BlockSize: "4k", Size: "1M", NumJobs: 1, IODepth: 1, Loops: 1, IOEngine: "libaio", Exec: rec}
			Expect(ctrl.RunFSIOs(ctx, fio)).To(BeTrue())
			Expect(ctrl.WaitParallel(ctx)).To(BeTrue())

			Expect(rec.Count("fio")).To(Equal(2))
			Expect(rec.Calls()).To(ContainElement(ContainSubstring("--directory=" + filepath.Join(mountDir, "nvme0n1") + "/")))

			Expect(h.Delete(ctx)).To(BeTrue())
			Expect(rec.Count("umount")).To(Equal(2))
		})

		It("refuses file system IO without a mounted file system", func() {
			fio := &job.FioJob{Name: "fs", Exec: rec}
			Expect(ctrl.RunFSIOs(ctx, fio)).To(BeFalse())
		})

		It("refuses unsupported file systems", func() {
			Expect(ctrl.MkfsSeq(ctx, "btrfs")).To(BeFalse())
		})
	})

	Context("with two controllers", func() {
		BeforeEach(func() {
			Expect(h.Configure(ctx, []string{"testnqn1", "testnqn2"})).To(Succeed())
		})

		It("runs in parallel across controllers", func() {
			Expect(h.RunIOsParallel(ctx, readJob)).To(BeTrue())
			Expect(rec.Count("dd")).To(Equal(3))
		})

		It("waits for every controller even after a failure", func() {
			rec.Fail("dd if=/dev/nvme0n1", 1)
			Expect(h.RunParallel(readJob)).To(BeTrue())
			Expect(h.WaitParallel(ctx)).To(BeFalse())
			Expect(rec.Count("dd if=/dev/nvme1n1")).To(Equal(1))
		})

		It("stops queuing at the first controller that refuses", func() {
			Expect(h.Controllers()[0].Namespaces()[1].Delete(ctx)).To(BeTrue())

			Expect(h.RunParallel(readJob)).To(BeFalse())
			Expect(phases.Count(events.Submitted)).To(Equal(1))
			Expect(phases.Count(events.Rejected)).To(Equal(1))
		})

		It("visits every namespace exactly once in random order", func() {
			Expect(h.RunRandom(ctx, readJob)).To(BeTrue())
			for _, dev := range []string{"/dev/nvme0n1", "/dev/nvme0n2", "/dev/nvme1n1"} {
				Expect(rec.Count("dd if=" + dev + " ")).To(Equal(1))
			}
		})

		It("runs sequentially across controllers", func() {
			Expect(h.RunSequential(ctx, readJob)).To(BeTrue())
			Expect(rec.Calls()).To(ContainElement("dd if=/dev/nvme1n1 of=/dev/null bs=4k count=1"))
		})

		It("stops admin fan-outs at the first failing controller", func() {
			rec.Fail("nvme id-ctrl /dev/nvme0", 1)
			before := rec.Count("nvme id-ctrl")

			Expect(h.IDCtrl(ctx)).To(BeFalse())
			Expect(rec.Count("nvme id-ctrl") - before).To(Equal(1))

			Expect(h.IDNS(ctx)).To(BeTrue())
			Expect(h.Rescan()).To(BeTrue())
			Expect(h.Reset()).To(BeTrue())
		})

		It("deletes idempotently", func() {
			Expect(h.Delete(ctx)).To(BeTrue())
			Expect(h.Delete(ctx)).To(BeTrue())
			Expect(fabrics.Disconnects()).To(Equal([]string{"testnqn1", "testnqn2"}))

			for _, c := range h.Controllers() {
				Expect(c.Delete(ctx)).To(BeTrue())
				for _, ns := range c.Namespaces() {
					Expect(ns.Worker().State()).To(Equal(worker.Terminated))
				}
			}
		})

		It("reports a degraded delete consistently", func() {
			Expect(attrs.RemoveDir("nvme1")).To(Succeed())

			Expect(h.Delete(ctx)).To(BeFalse())
			Expect(h.Delete(ctx)).To(BeFalse())
			Expect(fabrics.Disconnects()).To(Equal([]string{"testnqn1"}))
		})
	})
})
