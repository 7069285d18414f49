// Cthulhu is a fleet of agents that provision network switches over serial.
// Copyright (C) 2025 Cthulhu contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package provision serves vendor ZTP boot scripts and OS image files over
// HTTP to switches that reach heaven during zero-touch provisioning.
package provision

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"text/template"
	"time"
)

// OSMapping decides whether a booting switch needs an OS upgrade before it
// proceeds to stage2 configuration: if Vendor matches and Model matches the
// switch's reported SKU but the switch's running EOS version does not match
// TargetVersion, stage2 redirects it to reinstall OSImage first.
type OSMapping struct {
	Vendor        string
	Model         *regexp.Regexp
	TargetVersion *regexp.Regexp
	OSImage       string // absolute path to the .swi on disk
}

// Server serves Arista ZTP stage1/stage2 scripts and the matching SWI image
// files named in Mappings.
type Server struct {
	Mappings []OSMapping

	stage1      *template.Template
	stage2      *template.Template
	stage2Image *template.Template
}

// NewServer parses the embedded script templates. It never fails in
// practice since the templates are compiled into the binary, but returns an
// error rather than panicking to keep main()'s error handling uniform.
func NewServer(mappings []OSMapping) (*Server, error) {
	s := &Server{Mappings: mappings}
	var err error
	if s.stage1, err = template.New("stage1").Parse(stage1Script); err != nil {
		return nil, fmt.Errorf("provision: parse stage1 template: %w", err)
	}
	if s.stage2, err = template.New("stage2").Parse(stage2Script); err != nil {
		return nil, fmt.Errorf("provision: parse stage2 template: %w", err)
	}
	if s.stage2Image, err = template.New("stage2-upgrade").Parse(stage2UpgradeScript); err != nil {
		return nil, fmt.Errorf("provision: parse stage2 upgrade template: %w", err)
	}
	return s, nil
}

// RegisterRoutes mounts the provisioning surface onto mux, grounded in the
// original crate's /provision.sh, /stage2.sh, and /swi/{file} routes.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /provision.sh", s.handleStage1)
	mux.HandleFunc("GET /stage2.sh", s.handleStage2)
	mux.HandleFunc("GET /swi/{file}", s.handleSWI)
}

type stage1Data struct{ BaseURL string }

func (s *Server) handleStage1(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.stage1.Execute(w, stage1Data{BaseURL: baseURL(r)}); err != nil {
		http.Error(w, "template error", http.StatusInternalServerError)
	}
}

type stage2Data struct{ BaseURL string }
type stage2UpgradeData struct {
	BaseURL   string
	TargetSWI string
}

// handleStage2 matches the original's decision: a switch reporting its EOS
// version and SKU is redirected to the upgrade script when an OSMapping
// says its current version doesn't satisfy the target, else it gets the
// plain stage2 configuration script.
func (s *Server) handleStage2(w http.ResponseWriter, r *http.Request) {
	eos := r.URL.Query().Get("eos")
	sku := r.URL.Query().Get("sku")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if eos != "" && sku != "" {
		for _, m := range s.Mappings {
			if m.Vendor != "Arista" {
				continue
			}
			if m.Model.MatchString(sku) && !m.TargetVersion.MatchString(eos) {
				data := stage2UpgradeData{BaseURL: baseURL(r), TargetSWI: filepath.Base(m.OSImage)}
				if err := s.stage2Image.Execute(w, data); err != nil {
					http.Error(w, "template error", http.StatusInternalServerError)
				}
				return
			}
		}
	}

	if err := s.stage2.Execute(w, stage2Data{BaseURL: baseURL(r)}); err != nil {
		http.Error(w, "template error", http.StatusInternalServerError)
	}
}

func (s *Server) handleSWI(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("file")
	for _, m := range s.Mappings {
		if m.Vendor != "Arista" || filepath.Base(m.OSImage) != name {
			continue
		}
		f, err := os.Open(m.OSImage)
		if err != nil {
			http.Error(w, "unable to find SWI", http.StatusNotFound)
			return
		}
		defer f.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeContent(w, r, name, fileModTime(f), f)
		return
	}
	http.Error(w, "unable to find SWI", http.StatusNotFound)
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

func fileModTime(f *os.File) time.Time {
	if info, err := f.Stat(); err == nil {
		return info.ModTime()
	}
	return time.Time{}
}
