package cmd

import (
	"github.com/spf13/cobra"
)

func newSyncWeatherCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-weather",
		Short: "Ingests observed precipitation for every crag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := appInstance.SyncWeather(cmd.Context())
			if werr := writeJSON(cmd.OutOrStdout(), stats); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}
}

func newCalculateSafetyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "calculate-safety",
		Short: "Classifies every crag from its stored precipitation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := appInstance.CalculateSafety(cmd.Context())
			if werr := writeJSON(cmd.OutOrStdout(), stats); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}
}

func newExplainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "explain <area-id>",
		Short: "Shows the metrics, thresholds and daily rows behind a crag's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			exp, err := appInstance.Explain(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), exp)
		},
	}
}

func newForecastCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "forecast <area-id>",
		Short: "Projects a crag's status over the coming days",
		Long: `Combines stored precipitation with the provider's daily forecast and
classifies each upcoming day. The horizon is capped at 16 days.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			fc, err := appInstance.Forecast(cmd.Context(), args[0], days)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), fc)
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "days to project (0 uses safety.horizon_days)")
	return cmd
}

func newWeatherSummaryCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "weather-summary <area-id>",
		Short: "Totals a crag's recent precipitation and its last rain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sum, err := appInstance.Summarize(cmd.Context(), args[0], days)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), sum)
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "days of history to total")
	return cmd
}
