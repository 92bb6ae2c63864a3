/*
Copyright © 2026 the Calvalus authors.
This file is part of Calvalus.

Calvalus is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

Calvalus is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with Calvalus.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package calvalusutil contains the command-line interface of the
// Calvalus binning tools together with the drivers for the bin, format
// and mosaic steps.
package calvalusutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	calvalus "github.com/bcdev/calvalus2-sub005"
	"github.com/bcdev/calvalus2-sub005/cloud"
	"github.com/bcdev/calvalus2-sub005/mosaic"
	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gocloud.dev/blob"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to the tools.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "verbose",
			usage: `
              verbose turns on debug logging.`,
			shorthand:  "v",
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "job",
			usage: `
              job specifies the location of the job file, which holds the
              binning, mosaic, region and image configuration in TOML format.`,
			shorthand:  "j",
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "bucket",
			usage: `
              bucket specifies the blob storage bucket holding the part files,
              in the format 'provider://name'. Providers are "file", "mem",
              "gs" and "s3".`,
			defaultVal: "file://${HOME}/calvalus",
			flagsets:   []*pflag.FlagSet{binCmd.Flags(), formatCmd.Flags(), mosaicCmd.Flags()},
		},
		{
			name: "prefix",
			usage: `
              prefix specifies the directory within the bucket where the part
              files of the binning output are stored.`,
			defaultVal: "l3",
			flagsets:   []*pflag.FlagSet{binCmd.Flags(), formatCmd.Flags(), mosaicCmd.Flags()},
		},
		{
			name: "partitions",
			usage: `
              partitions specifies the number of reducer partitions, and
              thereby the number of part files, of the binning step.`,
			shorthand:  "p",
			defaultVal: 4,
			flagsets:   []*pflag.FlagSet{binCmd.Flags()},
		},
		{
			name: "compress",
			usage: `
              compress specifies whether part files are compressed.`,
			defaultVal: true,
			flagsets:   []*pflag.FlagSet{binCmd.Flags()},
		},
		{
			name: "tempdir",
			usage: `
              tempdir specifies the directory for temporary sort files. The
              system default is used if it is empty.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{binCmd.Flags(), mosaicCmd.Flags()},
		},
		{
			name: "inputs",
			usage: `
              inputs specifies the CSV observation files to bin. Every file is
              one pass. Files can also be given as arguments.`,
			shorthand:  "i",
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{binCmd.Flags()},
		},
		{
			name: "regions",
			usage: `
              regions specifies a .shp or .toml file of regions. The regions
              are added to those of the job file.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{binCmd.Flags(), regionsCmd.Flags()},
		},
		{
			name: "regionAttribute",
			usage: `
              regionAttribute specifies the shapefile attribute used to select
              and name regions.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{binCmd.Flags(), regionsCmd.Flags()},
		},
		{
			name: "regionValues",
			usage: `
              regionValues specifies a comma-separated list of values of
              regionAttribute. Only matching shapefile features are used.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{binCmd.Flags(), regionsCmd.Flags()},
		},
		{
			name: "outdir",
			usage: `
              outdir specifies the directory products are written to.`,
			shorthand:  "o",
			defaultVal: ".",
			flagsets:   []*pflag.FlagSet{formatCmd.Flags(), mosaicCmd.Flags()},
		},
		{
			name: "product",
			usage: `
              product specifies the file name of the NetCDF product written by
              format. No product is written if it is empty.`,
			defaultVal: "l3.nc",
			flagsets:   []*pflag.FlagSet{formatCmd.Flags()},
		},
		{
			name: "nameformat",
			usage: `
              nameformat specifies the format of mosaic product names. It is
              applied to the macro tile row and column.`,
			defaultVal: mosaic.DefaultNameFormat,
			flagsets:   []*pflag.FlagSet{mosaicCmd.Flags()},
		},
		{
			name: "attributes",
			usage: `
              attributes specifies global attributes added to every product.`,
			defaultVal: map[string]string{},
			flagsets:   []*pflag.FlagSet{formatCmd.Flags(), mosaicCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("CALVALUS")

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case []string:
				if option.shorthand == "" {
					set.StringSlice(option.name, option.defaultVal.([]string), option.usage)
				} else {
					set.StringSliceP(option.name, option.shorthand, option.defaultVal.([]string), option.usage)
				}
			case bool:
				if option.shorthand == "" {
					set.Bool(option.name, option.defaultVal.(bool), option.usage)
				} else {
					set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
				}
			case int:
				if option.shorthand == "" {
					set.Int(option.name, option.defaultVal.(int), option.usage)
				} else {
					set.IntP(option.name, option.shorthand, option.defaultVal.(int), option.usage)
				}
			case map[string]string:
				b := bytes.NewBuffer(nil)
				e := json.NewEncoder(b)
				e.Encode(option.defaultVal)
				s := string(b.Bytes())
				if option.shorthand == "" {
					set.String(option.name, s, option.usage)
				} else {
					set.StringP(option.name, option.shorthand, s, option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(binCmd)
	Root.AddCommand(formatCmd)
	Root.AddCommand(mosaicCmd)
	Root.AddCommand(regionsCmd)
}

// setConfig finds and reads in the configuration file, if there is one,
// and sets the log level.
func setConfig() error {
	Cfg.AutomaticEnv()
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(os.ExpandEnv(cfgpath))
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("calvalus: problem reading configuration file: %v", err)
		}
	}
	if Cfg.GetBool("verbose") {
		logrus.SetLevel(logrus.DebugLevel)
	}
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "calvalus",
	Short: "Level-3 binning and mosaicking of satellite observations.",
	Long: `calvalus aggregates satellite observations onto a global equal-area grid
and turns the result into gridded products. Use the subcommands specified below
to run the individual steps: bin, then format and/or mosaic.

Refer to the subcommand documentation for configuration options and default settings.
Configuration can be changed by using a configuration file (and providing the
path to the file using the --config flag), by using command-line arguments,
or by setting environment variables in the format 'CALVALUS_var' where 'var' is the
name of the variable to be set. The binning itself is configured in the job file
given by --job.
Refer to https://github.com/spf13/viper for additional configuration information.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of the Calvalus binning tools.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Calvalus v%s\n", calvalus.Version)
	},
	DisableAutoGenTag: true,
}

// job holds everything read from the job file.
type job struct {
	cfg  *JobConfig
	bctx *calvalus.Context
}

func loadJob() (*job, error) {
	path := Cfg.GetString("job")
	if path == "" {
		return nil, fmt.Errorf("calvalus: no job file given; use --job")
	}
	cfg, err := ReadJobConfig(path)
	if err != nil {
		return nil, err
	}
	bctx, err := calvalus.NewContext(cfg.Binning, calvalus.DefaultRegistry())
	if err != nil {
		return nil, err
	}
	return &job{cfg: cfg, bctx: bctx}, nil
}

// regions returns the regions of the job file together with those of
// the --regions file.
func (j *job) regions(log logrus.FieldLogger) ([]*calvalus.Region, error) {
	r := calvalus.ParseRegions(j.cfg.Regions, log)
	if path := Cfg.GetString("regions"); path != "" {
		filter := calvalus.ShapefileFilter{
			Attribute: Cfg.GetString("regionAttribute"),
			Values:    calvalus.ParseFilterValues(Cfg.GetString("regionValues")),
		}
		more, err := LoadRegions(path, filter, log)
		if err != nil {
			return nil, err
		}
		r = append(r, more...)
	}
	return r, nil
}

func openBucket(ctx context.Context) (*blob.Bucket, error) {
	return cloud.OpenBucket(ctx, os.ExpandEnv(Cfg.GetString("bucket")))
}

var binCmd = &cobra.Command{
	Use:   "bin [inputs...]",
	Short: "Bin observations.",
	Long: `bin aggregates the observations in the input files onto the binning grid
and writes the resulting temporal cells as part files to the bucket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		log := logrus.StandardLogger()
		j, err := loadJob()
		if err != nil {
			return err
		}
		regions, err := j.regions(log)
		if err != nil {
			return err
		}
		bucket, err := openBucket(ctx)
		if err != nil {
			return err
		}
		defer bucket.Close()
		inputs := append(expandStringSlice(Cfg.GetStringSlice("inputs")), expandStringSlice(args)...)
		if len(inputs) == 0 {
			return fmt.Errorf("calvalus: no input files")
		}
		stats, err := Bin(ctx, j.bctx, bucket, BinOptions{
			Inputs:        inputs,
			Prefix:        Cfg.GetString("prefix"),
			NumPartitions: Cfg.GetInt("partitions"),
			Compress:      Cfg.GetBool("compress"),
			TempDir:       os.ExpandEnv(Cfg.GetString("tempdir")),
			Regions:       regions,
		}, log)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "binned %d observations (%d skipped) into %d temporal cells\n",
			stats.Observations, stats.Skipped, stats.TemporalCells)
		return nil
	},
	DisableAutoGenTag: true,
}

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Write the binning output as a product.",
	Long: `format reprojects the temporal cells of the binning output onto a
geographic raster and writes it as a NetCDF product and as the images
configured in the job file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		j, err := loadJob()
		if err != nil {
			return err
		}
		bucket, err := openBucket(ctx)
		if err != nil {
			return err
		}
		defer bucket.Close()
		files, err := Format(ctx, j.bctx, bucket, FormatOptions{
			Prefix:     Cfg.GetString("prefix"),
			OutputDir:  os.ExpandEnv(Cfg.GetString("outdir")),
			Product:    Cfg.GetString("product"),
			Images:     j.cfg.Images,
			Attributes: GetStringMapString("attributes", Cfg),
		}, logrus.StandardLogger())
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Fprintln(cmd.OutOrStdout(), f)
		}
		return nil
	},
	DisableAutoGenTag: true,
}

var mosaicCmd = &cobra.Command{
	Use:   "mosaic",
	Short: "Write the binning output as tiled products.",
	Long: `mosaic cuts the reprojected binning output into the tiles of the mosaic
grid configured in the job file and writes one NetCDF product per macro tile.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		j, err := loadJob()
		if err != nil {
			return err
		}
		g, err := mosaic.NewGrid(j.cfg.Mosaic)
		if err != nil {
			return err
		}
		bucket, err := openBucket(ctx)
		if err != nil {
			return err
		}
		defer bucket.Close()
		files, err := Mosaic(ctx, j.bctx, g, bucket, MosaicOptions{
			Prefix:     Cfg.GetString("prefix"),
			OutputDir:  os.ExpandEnv(Cfg.GetString("outdir")),
			NameFormat: Cfg.GetString("nameformat"),
			Attributes: GetStringMapString("attributes", Cfg),
			TempDir:    os.ExpandEnv(Cfg.GetString("tempdir")),
		}, logrus.StandardLogger())
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Fprintln(cmd.OutOrStdout(), f)
		}
		return nil
	},
	DisableAutoGenTag: true,
}

var regionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "List regions.",
	Long: `regions lists the regions of the job file and of the --regions file
together with the grid rows, mosaic tiles and partitions each one covers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logrus.StandardLogger()
		j, err := loadJob()
		if err != nil {
			return err
		}
		regions, err := j.regions(log)
		if err != nil {
			return err
		}
		g, err := mosaic.NewGrid(j.cfg.Mosaic)
		if err != nil {
			return err
		}
		s, err := SummarizeRegions(j.bctx, g, regions)
		if err != nil {
			return err
		}
		return WriteRegions(cmd.OutOrStdout(), s)
	},
	DisableAutoGenTag: true,
}
