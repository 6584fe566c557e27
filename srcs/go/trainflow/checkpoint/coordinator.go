// Package checkpoint persists and restores training state. Every rank
// writes its own shard of the model plus its local optimizer, scheduler,
// RNG and dataloader cursor; the ranks then rendezvous, and rank 0
// additionally writes a consolidated, interchange-named copy of the
// trainable weights for downstream inference tooling.
//
// Layout of one checkpoint:
//
//	checkpoint-{step}/
//	  distributed_checkpoint/{component}/shard-{rank}.bin (+ .blake2b)
//	  shared/rank-{rank}.bin (+ .blake2b)
//	  {component}/diffusion_pytorch_model.safetensors  (exported components)
//	  {component}/config.json
package checkpoint

import (
	"bytes"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/videoml/trainflow/srcs/go/log"
	"github.com/videoml/trainflow/srcs/go/trainflow/base"
	"github.com/videoml/trainflow/srcs/go/trainflow/model"
	"github.com/videoml/trainflow/srcs/go/trainflow/sched"
	"github.com/videoml/trainflow/srcs/go/trainflow/worker"
)

const WeightsFileName = "diffusion_pytorch_model.safetensors"

// Component is one independently checkpointed model with its training
// state. Plain training has a single component named "transformer";
// distillation has "generator" and "critic". Export marks components
// whose consolidated weights are written for inference.
type Component struct {
	Name      string
	Model     model.Model
	Optimizer model.Optimizer
	Scheduler model.Scheduler
	Export    bool
}

// CursorStore is the dataloader position persisted in the shared state.
type CursorStore interface {
	Cursor() sched.Cursor
	Restore(c sched.Cursor) error
}

type Coordinator struct {
	root       string
	wctx       *worker.Context
	components []Component
	rng        *base.RNG
	cursor     CursorStore
}

// New builds a coordinator writing checkpoints under root. rng and
// cursor may be nil for export-only use.
func New(root string, wctx *worker.Context, components []Component, rng *base.RNG, cursor CursorStore) *Coordinator {
	return &Coordinator{
		root:       root,
		wctx:       wctx,
		components: components,
		rng:        rng,
		cursor:     cursor,
	}
}

// Dir returns the directory of the checkpoint for step.
func (c *Coordinator) Dir(step int64) string {
	return path.Join(c.root, fmt.Sprintf("checkpoint-%d", step))
}

// shardBlob is one rank's portion of a component.
type shardBlob struct {
	Rank      int
	WorldSize int
	Params    map[string][]float32
	Optimizer []byte
	Scheduler []byte
}

// sharedBlob is rank-local state outside any component.
type sharedBlob struct {
	RNG    []byte
	Cursor sched.Cursor
}

// Save writes a full checkpoint for step. All ranks write their shards,
// rendezvous, then rank 0 consolidates exported components; no rank
// returns before the checkpoint is complete on disk.
func (c *Coordinator) Save(step int64) error {
	dir := c.Dir(step)
	for _, comp := range c.components {
		if err := c.saveShard(dir, comp); err != nil {
			return errors.Wrapf(err, "save %s shard", comp.Name)
		}
	}
	if err := c.saveShared(dir); err != nil {
		return errors.Wrap(err, "save shared state")
	}
	if err := c.wctx.World.Barrier(); err != nil {
		return err
	}
	for _, comp := range c.components {
		if !comp.Export {
			continue
		}
		if err := c.Consolidate(dir, comp); err != nil {
			return errors.Wrapf(err, "consolidate %s", comp.Name)
		}
	}
	if err := c.wctx.World.Barrier(); err != nil {
		return err
	}
	if c.wctx.IsRoot() {
		log.Infof("saved checkpoint %s", dir)
	}
	return nil
}

// ExportOnly writes the consolidated weights of exported components for
// step without the sharded artifact. Every rank must call it; the
// result is an inference snapshot that cannot be resumed from.
func (c *Coordinator) ExportOnly(step int64) error {
	dir := c.Dir(step)
	for _, comp := range c.components {
		if !comp.Export {
			continue
		}
		if err := c.Consolidate(dir, comp); err != nil {
			return errors.Wrapf(err, "consolidate %s", comp.Name)
		}
	}
	if err := c.wctx.World.Barrier(); err != nil {
		return err
	}
	if c.wctx.IsRoot() {
		log.Infof("exported weights %s", dir)
	}
	return nil
}

func (c *Coordinator) saveShard(dir string, comp Component) error {
	rank, size := c.wctx.Rank(), c.wctx.WorldSize()
	blob := shardBlob{
		Rank:      rank,
		WorldSize: size,
		Params:    make(map[string][]float32),
	}
	for _, p := range comp.Model.Parameters() {
		shard, err := paramShard(p, rank, size)
		if err != nil {
			return err
		}
		blob.Params[p.Name] = shard
	}
	var err error
	if blob.Optimizer, err = comp.Optimizer.State(); err != nil {
		return err
	}
	if blob.Scheduler, err = comp.Scheduler.State(); err != nil {
		return err
	}
	return writeBlob(path.Join(dir, "distributed_checkpoint", comp.Name, shardFileName(rank)), blob)
}

func (c *Coordinator) saveShared(dir string) error {
	if c.rng == nil || c.cursor == nil {
		return nil
	}
	rngState, err := c.rng.MarshalBinary()
	if err != nil {
		return err
	}
	blob := sharedBlob{
		RNG:    rngState,
		Cursor: c.cursor.Cursor(),
	}
	return writeBlob(path.Join(dir, "shared", shardFileName(c.wctx.Rank())), blob)
}

// Consolidate gathers the trainable shards of comp on rank 0 and writes
// the interchange-named weights plus the architecture config, with the
// dtype entry stripped. Shards travel as half-precision bits and rank 0
// upcasts the gathered map to full precision before writing; non-root
// ranks only contribute their shards.
func (c *Coordinator) Consolidate(dir string, comp Component) error {
	rank, size := c.wctx.Rank(), c.wctx.WorldSize()
	local := make(map[string][]uint16)
	for _, p := range comp.Model.Parameters() {
		if !p.Trainable {
			continue
		}
		shard, err := paramShard(p, rank, size)
		if err != nil {
			return err
		}
		local[p.Name] = base.F32ToF16(shard)
	}
	if rank != 0 {
		return c.wctx.World.SendObject(local, 0)
	}
	shards := make([]map[string][]uint16, size)
	shards[0] = local
	for r := 1; r < size; r++ {
		if err := c.wctx.World.RecvObject(&shards[r], r); err != nil {
			return err
		}
	}
	full := make(map[string][]float32, len(local))
	for name := range local {
		var bits []uint16
		for r := 0; r < size; r++ {
			bits = append(bits, shards[r][name]...)
		}
		v := base.NewVector(len(bits), base.F16)
		copy(v.AsF16(), bits)
		full[name] = v.ToF32().AsF32()
	}
	out := interchangeTensors(full, comp.Model.NameMap())
	outDir := path.Join(dir, comp.Name)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}
	if err := WriteSafetensors(path.Join(outDir, WeightsFileName), out); err != nil {
		return err
	}
	return writeConfig(path.Join(outDir, "config.json"), comp.Model.Config())
}

// interchangeTensors applies the component's name map: fused tensors
// split into their parts in declared order, renamed tensors take their
// interchange name.
func interchangeTensors(full map[string][]float32, nm model.NameMap) map[string][]float32 {
	out := make(map[string][]float32, len(full))
	for name, data := range full {
		if g, ok := nm.MergeGroupOf(name); ok {
			part := len(data) / len(g.Parts)
			for i, pname := range g.Parts {
				out[pname] = data[i*part : (i+1)*part]
			}
			continue
		}
		out[nm.Interchange(name)] = data
	}
	return out
}

func writeConfig(p string, cfg map[string]interface{}) error {
	cp := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		if k == "dtype" {
			continue
		}
		cp[k] = v
	}
	bs, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	return os.WriteFile(p, append(bs, '\n'), 0644)
}

// Load restores training state from the checkpoint at dir and returns
// the step to resume from, derived from the directory name. A missing
// checkpoint resumes from step 0 with a warning; a present but
// unreadable one is an error.
func (c *Coordinator) Load(dir string) (int64, error) {
	if _, err := os.Stat(path.Join(dir, "distributed_checkpoint")); err != nil {
		log.Warnf("rank %d: no checkpoint at %q, starting from step 0", c.wctx.Rank(), dir)
		return 0, nil
	}
	rank := c.wctx.Rank()
	for i := range c.components {
		comp := &c.components[i]
		var blob shardBlob
		if err := readBlob(path.Join(dir, "distributed_checkpoint", comp.Name, shardFileName(rank)), &blob); err != nil {
			return 0, errors.Wrapf(err, "load %s shard", comp.Name)
		}
		if blob.WorldSize != c.wctx.WorldSize() {
			return 0, errors.Errorf("checkpoint written by world size %d, running with %d", blob.WorldSize, c.wctx.WorldSize())
		}
		for _, p := range comp.Model.Parameters() {
			shard, ok := blob.Params[p.Name]
			if !ok {
				return 0, errors.Errorf("parameter %s missing from %s shard", p.Name, comp.Name)
			}
			if err := restoreParamShard(p, shard, rank, c.wctx.WorldSize()); err != nil {
				return 0, err
			}
		}
		if err := comp.Optimizer.Restore(blob.Optimizer); err != nil {
			return 0, err
		}
		if err := comp.Scheduler.Restore(blob.Scheduler); err != nil {
			return 0, err
		}
	}
	if c.rng != nil && c.cursor != nil {
		var blob sharedBlob
		if err := readBlob(path.Join(dir, "shared", shardFileName(rank)), &blob); err != nil {
			return 0, errors.Wrap(err, "load shared state")
		}
		if err := c.rng.UnmarshalBinary(blob.RNG); err != nil {
			return 0, err
		}
		if err := c.cursor.Restore(blob.Cursor); err != nil {
			return 0, err
		}
	}
	return ResumeStep(dir), nil
}

// ResumeStep parses the step from a checkpoint directory name.
func ResumeStep(dir string) int64 {
	name := path.Base(path.Clean(dir))
	suffix, ok := strings.CutPrefix(name, "checkpoint-")
	if ok {
		if step, err := strconv.ParseInt(suffix, 10, 64); err == nil {
			return step
		}
	}
	log.Warnf("cannot derive step from checkpoint directory %q, resuming from step 0", name)
	return 0
}

func paramShard(p *model.Parameter, rank, size int) ([]float32, error) {
	if len(p.Data)%size != 0 {
		return nil, errors.Errorf("parameter %s length %d not divisible by world size %d", p.Name, len(p.Data), size)
	}
	n := len(p.Data) / size
	return p.Data[rank*n : (rank+1)*n], nil
}

func restoreParamShard(p *model.Parameter, shard []float32, rank, size int) error {
	if len(p.Data)%size != 0 || len(shard) != len(p.Data)/size {
		return errors.Errorf("parameter %s: shard length %d does not fit %d/%d", p.Name, len(shard), len(p.Data), size)
	}
	copy(p.Data[rank*len(shard):], shard)
	return nil
}

func shardFileName(rank int) string {
	return fmt.Sprintf("shard-%05d.bin", rank)
}

// writeBlob gob-encodes v to p and writes a blake2b digest sidecar next
// to it.
func writeBlob(p string, v interface{}) error {
	if err := os.MkdirAll(path.Dir(p), 0755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return errors.Wrap(err, "encode blob")
	}
	if err := os.WriteFile(p, buf.Bytes(), 0644); err != nil {
		return err
	}
	sum := blake2b.Sum256(buf.Bytes())
	return os.WriteFile(p+".blake2b", []byte(hex.EncodeToString(sum[:])+"\n"), 0644)
}

var errChecksumMismatch = errors.New("blob checksum mismatch")

// readBlob verifies the blake2b sidecar, if present, before decoding.
func readBlob(p string, v interface{}) error {
	bs, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	if want, err := os.ReadFile(p + ".blake2b"); err == nil {
		sum := blake2b.Sum256(bs)
		if strings.TrimSpace(string(want)) != hex.EncodeToString(sum[:]) {
			return errors.Wrap(errChecksumMismatch, p)
		}
	}
	return errors.Wrap(gob.NewDecoder(bytes.NewReader(bs)).Decode(v), "decode blob")
}
