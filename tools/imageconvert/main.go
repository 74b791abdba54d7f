// Command imageconvert converts a PNG or JPEG image into the raw
// framebuffer format the boot loader embeds and the kernel's diagnostic
// screens are written in.
package main

import (
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/iansmith/kcore/diag"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: imageconvert <input-image> <output-binary>\n")
		fmt.Fprintf(os.Stderr, "Converts an image to binary format for kernel embedding\n")
		fmt.Fprintf(os.Stderr, "Output format:\n")
		fmt.Fprintf(os.Stderr, "  4 bytes: width (uint32 little-endian)\n")
		fmt.Fprintf(os.Stderr, "  4 bytes: height (uint32 little-endian)\n")
		fmt.Fprintf(os.Stderr, "  width*height*4 bytes: ARGB8888 pixel data\n")
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}
	if err := convert(flag.Arg(0), flag.Arg(1)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func convert(inputPath, outputPath string) error {
	in, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("opening image: %w", err)
	}
	defer in.Close()

	img, _, err := image.Decode(in)
	if err != nil {
		return fmt.Errorf("decoding image: %w", err)
	}
	bounds := img.Bounds()
	fmt.Printf("Image size: %d x %d\n", bounds.Dx(), bounds.Dy())

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	if err := diag.WriteRaw(out, img); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return err
	}
	fmt.Printf("Wrote %d pixels to %s (%d bytes)\n", bounds.Dx()*bounds.Dy(), outputPath, info.Size())
	return nil
}
