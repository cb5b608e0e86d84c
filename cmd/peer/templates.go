package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mahmoud661/Collaborative-editor/internal/diagram"
)

func buildTemplatesCmd() *cobra.Command {
	var (
		category string
		show     string
	)
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List the built-in diagram templates",
		Example: `  peer templates
  peer templates --category Sequence
  peer templates --show basic-flowchart`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if show != "" {
				tpl, ok := diagram.TemplateByID(show)
				if !ok {
					return fmt.Errorf("unknown template %q", show)
				}
				fmt.Fprintln(out, tpl.Code)
				return nil
			}
			list := diagram.Templates()
			if category != "" {
				list = diagram.TemplatesByCategory()[category]
				if len(list) == 0 {
					return fmt.Errorf("no templates in category %q (have %v)", category, diagram.Categories())
				}
			}
			printTemplates(out, list)
			return nil
		},
	}
	cmd.Flags().StringVarP(&category, "category", "c", "", "Only list templates in this category")
	cmd.Flags().StringVar(&show, "show", "", "Print the source of one template")
	return cmd
}

func printTemplates(out io.Writer, list []diagram.Template) {
	for _, tpl := range list {
		fmt.Fprintf(out, "%-24s %-12s %s\n", tpl.ID, tpl.Category, tpl.Name)
	}
}
