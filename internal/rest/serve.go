// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package rest serves reconstructions over HTTP. Pipelines are posted as JSON
// operator sequences, and their log is streamed back as plain text.
package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mlnoga/planesweep/internal/compute"
	"github.com/mlnoga/planesweep/internal/ops"
	"github.com/mlnoga/planesweep/internal/scene"
)

// State of a reconstruction job
type Job struct {
	ID       string    `json:"id"`
	State    string    `json:"state"` // running, done or failed
	Error    string    `json:"error,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`
	Frames   int       `json:"frames"`
}

// Number of job records kept. Beyond that, the oldest finished jobs are forgotten
const maxJobs = 1000

// Registry of jobs run by this server
type jobs struct {
	mu    sync.Mutex
	byID  map[string]*Job
	order []string // ids by start time
	max   int
}

func newJobs(max int) jobs {
	return jobs{byID: map[string]*Job{}, max: max}
}

func (js *jobs) start() *Job {
	j := &Job{ID: uuid.New().String(), State: "running", Started: time.Now()}
	js.mu.Lock()
	defer js.mu.Unlock()
	js.byID[j.ID] = j
	js.order = append(js.order, j.ID)
	js.prune()
	return j
}

// Drops the oldest finished jobs while over capacity. Running jobs are kept.
// Requires js.mu
func (js *jobs) prune() {
	for i := 0; len(js.byID) > js.max && i < len(js.order); {
		id := js.order[i]
		if js.byID[id].State == "running" {
			i++
			continue
		}
		delete(js.byID, id)
		js.order = append(js.order[:i], js.order[i+1:]...)
	}
}

func (js *jobs) finish(j *Job, frames int, err error) {
	js.mu.Lock()
	defer js.mu.Unlock()
	j.Finished, j.Frames = time.Now(), frames
	if err != nil {
		j.State, j.Error = "failed", err.Error()
	} else {
		j.State = "done"
	}
	js.prune()
}

func (js *jobs) get(id string) (Job, bool) {
	js.mu.Lock()
	defer js.mu.Unlock()
	j, ok := js.byID[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// A reconstruction server
type Server struct {
	opts ops.Context // template for the per job operator context
	jobs jobs
}

// Creates a server running jobs with the given operator settings. The log
// writer of opts is ignored, as each job logs to its response
func NewServer(opts ops.Context) *Server {
	return &Server{opts: opts, jobs: newJobs(maxJobs)}
}

// Returns the HTTP handler of the server
func (s *Server) Router() *gin.Engine {
	r := gin.Default()
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.POST("/reconstruct", s.postReconstruct)
			v1.GET("/jobs/:id", s.getJob)
			v1.POST("/scene/synth", postSynth)
		}
	}
	return r
}

// Listens and serves on the given address, e.g. ":8080"
func (s *Server) Serve(addr string) error {
	return s.Router().Run(addr)
}

func getPing(c *gin.Context) {
	c.JSON(200, gin.H{
		"message": "pong",
	})
}

func printArgs(logWriter io.Writer, prefix, suffix string, args interface{}) error {
	m, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "%s%s%s", prefix, string(m), suffix)
	return nil
}

type postReconstructArgs struct {
	Sequence *ops.OpSequence `json:"sequence"`
}

// Runs the posted operator sequence, streaming the log as plain text
func (s *Server) postReconstruct(c *gin.Context) {
	var args postReconstructArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if args.Sequence == nil || len(args.Sequence.Steps) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no operator sequence given"})
		return
	}

	job := s.jobs.start()
	logWriter := c.Writer
	header := logWriter.Header()
	header.Set("Content-Type", "text/plain")
	header.Set("X-Job-Id", job.ID)
	logWriter.WriteHeader(http.StatusOK)
	fmt.Fprintf(logWriter, "Job %s\n", job.ID)

	if err := printArgs(logWriter, "Arguments:\n", "\n", args); err != nil {
		fmt.Fprintf(logWriter, "Error printing arguments: %s\n", err.Error())
	}

	oc := s.opts
	oc.Log = &lockedWriter{w: logWriter}
	frames, err := runSequence(args.Sequence, &oc)
	s.jobs.finish(job, frames, err)
	if err != nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
	} else {
		fmt.Fprintf(logWriter, "Done after %v\n", time.Since(job.Started))
	}
	logWriter.Flush()
}

// Sets up and materializes the sequence, returning the number of frames produced
func runSequence(seq *ops.OpSequence, c *ops.Context) (int, error) {
	promises, err := seq.MakePromises(nil, c)
	if err != nil {
		return 0, err
	}
	frames, err := ops.MaterializeAll(promises, c.MaxThreads, false)
	compute.ClearPools()
	return len(frames), err
}

// Serializes writes from concurrently materializing frames
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

func (s *Server) getJob(c *gin.Context) {
	j, ok := s.jobs.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such job"})
		return
	}
	c.JSON(http.StatusOK, j)
}

type postSynthArgs struct {
	Dir     string             `json:"dir"`
	Options scene.SynthOptions `json:"options"`
}

// Renders a synthetic scene into a directory below the working directory
func postSynth(c *gin.Context) {
	args := postSynthArgs{Options: scene.DefaultSynthOptions()}
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if args.Dir == "" || !ops.IsPathAllowed(args.Dir) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "directory outside current directory tree"})
		return
	}
	sc, err := scene.Synthetic(args.Options)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	path, err := sc.Save(filepath.Clean(args.Dir))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scene": path, "sources": len(sc.Sources)})
}
