// Copyright 2022 IBM Corp. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package profiling

import (
	"os"
	"runtime"
	"runtime/pprof"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Profiler dumps runtime profiles of a harness run.
// Valid profile names are those of the "runtime/pprof" package, plus "cpu" for CPU profiling.
type Profiler struct {
	logger zerolog.Logger

	mutex sync.Mutex
	// Stores which profiler (key) should be dumped in which file (value).
	outputs map[string]string
	// Open file to which pprof continuously writes CPU profile data.
	cpuFile *os.File
}

func New(logger zerolog.Logger) *Profiler {
	return &Profiler{
		logger:  logger,
		outputs: make(map[string]string),
	}
}

// Start starts the named profiler. Stop needs to be called to write the profile to outFileName.
// The rate is used for setting the "block" and "mutex" profile rate / fraction. Ignored for other names.
func (p *Profiler) Start(name string, outFileName string, rate int) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if _, ok := p.outputs[name]; ok {
		return errors.Errorf("profiler %s already started", name)
	}

	// "block" and "mutex" need to be explicitly enabled and "cpu" needs to be explicitly started with an open file.
	switch name {
	case "block":
		runtime.SetBlockProfileRate(rate)
	case "mutex":
		runtime.SetMutexProfileFraction(rate)
	case "cpu":
		f, err := os.Create(outFileName)
		if err != nil {
			return errors.WithMessagef(err, "could not create CPU profile %s", outFileName)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return errors.WithMessage(err, "could not start CPU profile")
		}
		p.cpuFile = f
	default:
		if pprof.Lookup(name) == nil {
			return errors.Errorf("unknown profile %s", name)
		}
	}

	p.outputs[name] = outFileName
	p.logger.Info().Str("name", name).Msg("Started profiler.")
	return nil
}

// Stop stops all started profilers and dumps their output to their corresponding files.
func (p *Profiler) Stop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	runtime.SetBlockProfileRate(0)
	runtime.SetMutexProfileFraction(0)

	for name, fileName := range p.outputs {
		if name == "cpu" {
			pprof.StopCPUProfile()
			if err := p.cpuFile.Close(); err != nil {
				p.logger.Error().Err(err).Str("fileName", fileName).Msg("Could not close CPU profile output.")
			}
			p.cpuFile = nil
			p.logger.Info().Str("name", name).Str("filename", fileName).Msg("Profile data written.")
		} else {
			p.dump(name, fileName)
		}
		delete(p.outputs, name)
	}
}

// Saves the data of profiler name to file named fileName.
func (p *Profiler) dump(name string, fileName string) {
	f, err := os.Create(fileName)
	if err != nil {
		p.logger.Error().Err(err).Str("fileName", fileName).Msg("Could not open profile output file.")
		return
	}

	if err := pprof.Lookup(name).WriteTo(f, 1); err != nil {
		p.logger.Error().Err(err).Str("fileName", fileName).Msg("Failed to write profile data to file.")
	}

	if err := f.Close(); err != nil {
		p.logger.Error().Err(err).Str("fileName", fileName).Msg("Could not close profile output file.")
	}

	p.logger.Info().Str("name", name).Str("filename", fileName).Msg("Profile data written.")
}
