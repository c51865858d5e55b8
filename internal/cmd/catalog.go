package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/draftsmith/internal/catalog"
	"github.com/Iron-Ham/draftsmith/internal/event"
	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage personas and templates",
	Long: `Personas and templates are YAML files under the catalog directory
(catalog.dir, default {config dir}/catalog):

  personas/mentor.yaml
  templates/explainer.yaml

Each file holds a name, description, prompt and optional attributes.`,
}

var catalogListCmd = &cobra.Command{
	Use:   "list [persona|template] [pattern]",
	Short: "List descriptors, optionally filtered by a glob on the id",
	Args:  cobra.MaximumNArgs(2),
	RunE:  runCatalogList,
}

var catalogShowCmd = &cobra.Command{
	Use:   "show <persona|template> <id>",
	Short: "Show one descriptor",
	Args:  cobra.ExactArgs(2),
	RunE:  runCatalogShow,
}

var catalogAddCmd = &cobra.Command{
	Use:   "add <persona|template> <id>",
	Short: "Write a descriptor file",
	Args:  cobra.ExactArgs(2),
	RunE:  runCatalogAdd,
}

var catalogWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Reload the catalog whenever its files change",
	Long: `Watch the catalog directory and report every reload until interrupted.
Useful while editing descriptors to see parse errors immediately.`,
	Args: cobra.NoArgs,
	RunE: runCatalogWatch,
}

var (
	addName        string
	addDescription string
	addPrompt      string
	addAttributes  map[string]string
)

func init() {
	catalogAddCmd.Flags().StringVar(&addName, "name", "", "display name")
	catalogAddCmd.Flags().StringVar(&addDescription, "description", "", "one-line description")
	catalogAddCmd.Flags().StringVar(&addPrompt, "prompt", "", "instructions given to the model")
	catalogAddCmd.Flags().StringToStringVar(&addAttributes, "attr", nil, "extra attributes (key=value)")
	_ = catalogAddCmd.MarkFlagRequired("prompt")

	catalogCmd.AddCommand(catalogListCmd, catalogShowCmd, catalogAddCmd, catalogWatchCmd)
	rootCmd.AddCommand(catalogCmd)
}

func runCatalogList(cmd *cobra.Command, args []string) error {
	kinds := catalog.Kinds()
	pattern := ""
	if len(args) > 0 {
		kind, err := catalog.ParseKind(args[0])
		if err != nil {
			return err
		}
		kinds = []catalog.Kind{kind}
	}
	if len(args) > 1 {
		pattern = args[1]
	}

	return withApp(cmd, func(a *app) error {
		all := map[catalog.Kind][]types.Descriptor{}
		for _, kind := range kinds {
			list, err := a.catalog.List(kind, pattern)
			if err != nil {
				return err
			}
			all[kind] = list
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), all)
		}

		out := cmd.OutOrStdout()
		for _, kind := range kinds {
			fmt.Fprintln(out, titleStyle.Render(string(kind)+"s"))
			if len(all[kind]) == 0 {
				fmt.Fprintln(out, mutedStyle.Render("  none"))
				continue
			}
			for _, d := range all[kind] {
				fmt.Fprintf(out, "  %-24s %s\n", d.ID, mutedStyle.Render(d.Description))
			}
		}
		return nil
	})
}

func lookupDescriptor(c *catalog.Catalog, kind catalog.Kind, id string) (types.Descriptor, error) {
	if kind == catalog.KindTemplate {
		return c.Template(id)
	}
	return c.Persona(id)
}

func runCatalogShow(cmd *cobra.Command, args []string) error {
	kind, err := catalog.ParseKind(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(a *app) error {
		d, err := lookupDescriptor(a.catalog, kind, args[1])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), d)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, titleStyle.Render(d.Name))
		field(out, "id", d.ID)
		field(out, "kind", d.Kind)
		field(out, "description", d.Description)
		for k, v := range d.Attributes {
			field(out, k, v)
		}
		fmt.Fprintln(out, documentBox.Render(d.Prompt))
		return nil
	})
}

func runCatalogAdd(cmd *cobra.Command, args []string) error {
	kind, err := catalog.ParseKind(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(a *app) error {
		path, err := a.catalog.Write(kind, types.Descriptor{
			ID:          args[1],
			Name:        addName,
			Description: addDescription,
			Prompt:      addPrompt,
			Attributes:  addAttributes,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	})
}

func runCatalogWatch(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app) error {
		out := cmd.OutOrStdout()
		a.bus.Subscribe(event.TypeCatalogReloaded, func(e event.Event) {
			ev, ok := e.(event.CatalogReloadedEvent)
			if !ok {
				return
			}
			stamp := mutedStyle.Render(ev.Timestamp().Local().Format("15:04:05"))
			if ev.Err != nil {
				fmt.Fprintf(out, "%s %s\n", stamp, errorStyle.Render(ev.Err.Error()))
				return
			}
			personas, _ := a.catalog.List(catalog.KindPersona, "")
			templates, _ := a.catalog.List(catalog.KindTemplate, "")
			fmt.Fprintf(out, "%s reloaded: %d personas, %d templates\n", stamp, len(personas), len(templates))
		})

		fmt.Fprintf(out, "Watching %s (Ctrl-C to stop)\n", a.catalog.Dir())
		return a.catalog.Watch(cmd.Context(), func(err error) {
			a.bus.Publish(event.NewCatalogReloadedEvent(a.catalog.Dir(), err))
		})
	})
}
