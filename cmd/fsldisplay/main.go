package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"fsldisplay/pkg/affine"
	"fsldisplay/pkg/config"
	"fsldisplay/pkg/displaycontext"
	"fsldisplay/pkg/idle"
	"fsldisplay/pkg/nifti"
	"fsldisplay/pkg/overlay"
	"fsldisplay/pkg/slicing"
	"fsldisplay/pkg/transform"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "fsldisplay.yaml", "Configuration file")
	createConfig := flag.Bool("create-config", false, "Write a default configuration file and exit")
	world := flag.Bool("world", false, "Display in world space instead of the first overlay's reference space")
	location := flag.String("location", "", "Cursor position in display space, as x,y,z")
	extractSlices := flag.Bool("extract-slices", false, "Save slices of the selected overlay through the cursor")
	axisName := flag.String("axis", "z", "Display axis the extracted slices are normal to (x, y or z)")
	slicesDir := flag.String("slices-dir", "", "Directory to save extracted slices (default from config)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] image.nii[.gz] ...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *createConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to create config file: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	paths := flag.Args()
	if len(paths) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(level)
	if *world {
		cfg.Display.DefaultSpace = transform.World
	}

	registry, err := cfg.NewRegistry()
	if err != nil {
		log.Fatalf("Failed to set up colour maps: %v", err)
	}

	list := overlay.NewList()
	master, err := displaycontext.New(list, registry, cfg)
	if err != nil {
		log.Fatalf("Failed to create display context: %v", err)
	}
	defer master.Destroy()

	// Images are read in the background; results are applied on this
	// goroutine when the queue is drained.
	fmt.Printf("Loading %d images with %d workers...\n", len(paths), cfg.Loader.Workers)
	startTime := time.Now()
	results := make([]nifti.LoadResult, len(paths))
	q := idle.NewQueue()
	<-nifti.LoadAsync(paths, cfg.Loader.Workers, q, func(r nifti.LoadResult) { results[r.Index] = r })
	q.Run()

	for _, r := range results {
		if r.Err != nil {
			log.WithField("path", r.Path).Warnf("Skipping image: %v", r.Err)
			continue
		}
		if err := list.Append(r.Image); err != nil {
			log.WithField("path", r.Path).Warnf("Skipping image: %v", err)
		}
	}
	if list.Len() == 0 {
		log.Fatal("No images could be loaded")
	}
	fmt.Printf("Loaded %d images in %.2f seconds\n", list.Len(), time.Since(startTime).Seconds())

	view, err := master.NewChild()
	if err != nil {
		log.Fatalf("Failed to create view: %v", err)
	}
	defer view.Destroy()

	if *location != "" {
		var p affine.Vec3
		if _, err := fmt.Sscanf(*location, "%g,%g,%g", &p[0], &p[1], &p[2]); err != nil {
			log.Fatalf("Invalid location %q: %v", *location, err)
		}
		if err := view.SetLocation(p); err != nil {
			log.Fatalf("Failed to set location: %v", err)
		}
	}

	space := "world"
	if ref := view.DisplaySpace.Get(); ref != nil {
		space = ref.Name()
	}
	fmt.Println("================================")
	fmt.Printf("Display space: %s\n", space)
	fmt.Printf("Scene bounds:  %v\n", view.Bounds.Get())
	fmt.Printf("Cursor:        %v\n", view.Location.Get())
	fmt.Printf("Cursor world:  %v\n", view.WorldLocation.Get())
	fmt.Println("================================")

	for _, img := range view.OverlayOrder.Get() {
		status, _ := view.Status(img)
		fmt.Printf("\n%s (%s): %s\n", img.Name(), img.Kind(), status.Message())
		if !status.Enabled {
			continue
		}
		node, err := view.Opts(img)
		if err != nil {
			log.WithField("overlay", img.Name()).Warnf("No display options: %v", err)
			continue
		}
		m, err := node.GetTransform(transform.Voxel, transform.Display)
		if err != nil {
			log.WithField("overlay", img.Name()).Warnf("No transform: %v", err)
			continue
		}
		fmt.Printf("Voxel to display:\n%v", m)
		fmt.Printf("Bounds: %v\n", node.Bounds.Get())
		vox, inside, err := view.VoxelLocation(img)
		if err != nil {
			log.WithField("overlay", img.Name()).Warnf("No voxel location: %v", err)
			continue
		}
		if inside {
			fmt.Printf("Voxel under cursor: %v = %g\n", vox, img.At(vox[0], vox[1], vox[2], node.VolumeIndex.Get()))
		} else {
			fmt.Println("Cursor is outside this overlay")
		}
	}

	if *extractSlices {
		axis, err := slicing.ParseAxis(*axisName)
		if err != nil {
			log.Fatal(err)
		}
		dir := *slicesDir
		if dir == "" {
			dir = cfg.Output.SliceDir
		}

		selected := view.SelectedOverlay.Get()
		node, err := view.Opts(selected)
		if err != nil {
			log.Fatalf("Failed to get display options: %v", err)
		}
		slicer, err := slicing.NewSlicer(node, cfg.Output.JPEGQuality)
		if err != nil {
			log.Fatalf("Failed to create slicer: %v", err)
		}

		cursor, err := slicer.ExtractSlice(axis, view.Location.Get())
		if err != nil {
			log.Fatalf("Failed to extract slice at cursor: %v", err)
		}
		cursorFile := filepath.Join(dir, fmt.Sprintf("%s_cursor_%s.jpg", selected.Name(), *axisName))
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
		if err := slicer.SaveSlice(cursor, cursorFile); err != nil {
			log.Fatalf("Failed to save slice: %v", err)
		}
		fmt.Printf("\nSlice through the cursor saved to: %s\n", cursorFile)

		axisDir := filepath.Join(dir, selected.Name(), *axisName)
		n, err := slicer.SaveSliceSequence(axis, axisDir)
		if err != nil {
			log.Warnf("Failed to save %s-axis slices: %v", *axisName, err)
		}
		fmt.Printf("Saved %d slices to: %s\n", n, axisDir)
	}
}
