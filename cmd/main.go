package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/h2non/filetype"
	"github.com/spf13/afero"

	peloader "github.com/wanglei-coder/peloader"
	"github.com/wanglei-coder/peloader/pe"
	"github.com/wanglei-coder/peloader/vmem"
)

var (
	filename   string
	dlls       string
	dllDir     string
	output     string
	entry      string
	noAlign    bool
	skipHeader bool
	verbose    bool
)

func init() {
	flag.StringVar(&filename, "filename", "", "PE file to map")
	flag.StringVar(&dlls, "dlls", "", "comma-separated DLL file names to map first, in dependency order")
	flag.StringVar(&dllDir, "dll-dir", ".", "directory the DLL files are read from")
	flag.StringVar(&output, "output", "", "rebuild the mapped memory into this PE file")
	flag.StringVar(&entry, "entry", "", "entry point for the rebuilt file (hex), default: the input's")
	flag.BoolVar(&noAlign, "no-align", false, "keep gaps between sections instead of tiling them")
	flag.BoolVar(&skipHeader, "skip-header", false, "do not map the PE header")
	flag.BoolVar(&verbose, "v", false, "debug logging")
	flag.Parse()
}

type Info struct {
	MachineType uint16
	ImageBase   string
	EntryPoint  string
	Sections    []*Section
	Libraries   []*Library
	Imports     map[string]string
	Output      string `json:",omitempty"`
}

type Section struct {
	Name           string
	VirtualAddress uint32
	VirtualSize    uint32
	RawSize        uint32
}

type Library struct {
	Name string
	Base string
}

func getSections(f *pe.File) []*Section {
	sections := make([]*Section, 0, len(f.Sections))
	for _, s := range f.Sections {
		sections = append(sections, &Section{
			Name:           s.Name,
			VirtualAddress: s.VirtualAddress,
			VirtualSize:    s.VirtualSize,
			RawSize:        s.Size,
		})
	}
	return sections
}

func getLibraries(registry *peloader.Registry) []*Library {
	names := registry.LibraryNames()
	libraries := make([]*Library, 0, len(names))
	for _, name := range names {
		base, _ := registry.LibraryBase(name)
		libraries = append(libraries, &Library{Name: name, Base: fmt.Sprintf("0x%x", base)})
	}
	return libraries
}

func main() {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if verbose {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	if filename == "" {
		flag.Usage()
		os.Exit(2)
	}

	fs := afero.NewOsFs()
	data, err := afero.ReadFile(fs, filename)
	if err != nil {
		fatal(logger, err)
	}
	if kind, _ := filetype.Match(data); kind.Extension != "exe" {
		level.Warn(logger).Log("msg", "input does not look like a PE file", "detected", kind.MIME.Value)
	}

	opts := peloader.DefaultLoadOptions()
	opts.AlignSections = !noAlign
	opts.LoadHeader = !skipHeader

	mem := vmem.New()
	registry := peloader.NewRegistry(logger)
	loader := peloader.New(logger, fs)

	var images map[string]*pe.File
	if dlls != "" {
		names := strings.Split(dlls, ",")
		for i := range names {
			names[i] = strings.TrimSpace(names[i])
		}
		if images, err = loader.LoadLibraries(mem, registry, names, dllDir, opts); err != nil {
			fatal(logger, err)
		}
		if err = loader.FixImports(mem, registry, images, true); err != nil {
			fatal(logger, err)
		}
	}

	img, err := loader.Load(mem, data, opts)
	if err != nil {
		fatal(logger, err)
	}
	resolved, err := loader.ResolveImports(mem, registry, img, true)
	if err != nil {
		fatal(logger, err)
	}

	info := Info{
		MachineType: img.FileHeader.Machine,
		ImageBase:   fmt.Sprintf("0x%x", img.ImageBase()),
		EntryPoint:  fmt.Sprintf("0x%x", img.Rva2Virt(img.EntryPoint())),
		Sections:    getSections(img),
		Libraries:   getLibraries(registry),
		Imports:     make(map[string]string, len(resolved)),
	}
	for name, addr := range resolved {
		info.Imports[name] = fmt.Sprintf("0x%x", addr)
	}

	if output != "" {
		entryPoint := img.Rva2Virt(img.EntryPoint())
		if entry != "" {
			if entryPoint, err = strconv.ParseUint(strings.TrimPrefix(entry, "0x"), 16, 64); err != nil {
				fatal(logger, err)
			}
		}
		if _, err = loader.Reconstruct(mem, peloader.ReconstructOptions{
			EntryPoint: entryPoint,
			Registry:   registry,
			Original:   img,
			Output:     output,
		}); err != nil {
			fatal(logger, err)
		}
		info.Output = output
	}

	out, _ := json.MarshalIndent(&info, "", "    ")
	fmt.Printf("%s\n", out)
}

func fatal(logger log.Logger, err error) {
	level.Error(logger).Log("err", err)
	os.Exit(1)
}
