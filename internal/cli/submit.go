package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/strift/internal/media"
	"github.com/kiranshivaraju/strift/internal/upload"
	"github.com/kiranshivaraju/strift/pkg/models"
	"github.com/spf13/cobra"
)

// submitFlags are shared by every submitting command.
type submitFlags struct {
	user   string
	params map[string]string
	watch  bool
}

func (f *submitFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.user, "user", "u", "", "Strift user ID the job belongs to (required)")
	cmd.Flags().BoolVarP(&f.watch, "watch", "w", true, "follow the job until it finishes")
	cmd.MarkFlagRequired("user")
}

func newTrainCmd(a *app) *cobra.Command {
	var f submitFlags
	cmd := &cobra.Command{
		Use:   "train --user USER IMAGE...",
		Short: "Train a personal model from 8 to 10 photos",
		Long: fmt.Sprintf(`Upload between %d and %d photos of the user and start training.

Examples:
  strift train --user u_123 photos/*.jpg
  strift train --user u_123 --watch=false a.jpg b.jpg c.jpg d.jpg e.jpg f.jpg g.jpg h.jpg`,
			media.MinRequired, media.MaxItems),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := selectImages(cmd, args)
			if err != nil {
				return err
			}
			return a.submit(cmd, f, set, models.KindTrain, upload.Metadata(f.params))
		},
	}
	f.register(cmd)
	cmd.Flags().StringToStringVarP(&f.params, "param", "p", nil, "extra form field sent with the upload (key=value)")
	return cmd
}

func newInferCmd(a *app) *cobra.Command {
	var f submitFlags
	cmd := &cobra.Command{
		Use:   "infer --user USER [IMAGE...]",
		Short: "Generate images with the user's trained model",
		Long: `Start an inference job. Images are optional; without them the request is
sent as JSON with the --param fields.

Examples:
  strift infer --user u_123 --param prompt="on a beach"
  strift infer --user u_123 reference.png`,
		RunE: func(cmd *cobra.Command, args []string) error {
			set := media.NewSet()
			if len(args) > 0 {
				var err error
				if set, err = selectImages(cmd, args); err != nil {
					return err
				}
			}
			return a.submit(cmd, f, set, models.KindInfer, upload.Metadata(f.params))
		},
	}
	f.register(cmd)
	cmd.Flags().StringToStringVarP(&f.params, "param", "p", nil, "extra field sent to the worker (key=value)")
	return cmd
}

func newVTONCmd(a *app) *cobra.Command {
	var (
		f            submitFlags
		inferImageID string
		garmentID    string
	)
	cmd := &cobra.Command{
		Use:   "vton --user USER --infer-image ID --garment ID",
		Short: "Dress a generated image in a garment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			meta := upload.Metadata{
				upload.FieldInferImageID: inferImageID,
				upload.FieldGarmentID:    garmentID,
			}
			return a.submit(cmd, f, nil, models.KindVTON, meta)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&inferImageID, "infer-image", "", "ID of the generated image to dress (required)")
	cmd.Flags().StringVar(&garmentID, "garment", "", "garment ID (required)")
	cmd.MarkFlagRequired("infer-image")
	cmd.MarkFlagRequired("garment")
	return cmd
}

func (a *app) submit(cmd *cobra.Command, f submitFlags, set *media.Set, kind models.JobKind, meta upload.Metadata) error {
	handle, err := a.submitter.Submit(cmd.Context(), f.user, set, kind, meta)
	if err != nil {
		return fmt.Errorf("submit %s job: %w", kind, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Submitted %s job %s\n", handle.Kind, handle.ID)
	if !f.watch {
		fmt.Fprintf(out, "Follow it with: strift watch %s --kind %s --user %s\n", handle.ID, handle.Kind, handle.UserID)
		return nil
	}
	return a.watch(cmd.Context(), out, handle)
}

// selectImages loads paths into a set. Paths past the set's capacity are
// dropped with a warning, the way a picker truncates its selection.
func selectImages(cmd *cobra.Command, paths []string) (*media.Set, error) {
	items := make([]models.MediaItem, 0, len(paths))
	for _, p := range paths {
		item, err := media.ItemFromFile(p)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	set := media.NewSet()
	n, err := set.AddAll(items...)
	switch {
	case err == nil:
	case errors.Is(err, media.ErrCapacityExceeded):
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: only the first %d images are used; ignoring %s\n",
			n, strings.Join(paths[n:], ", "))
	default:
		return nil, fmt.Errorf("%s: %w", paths[n], err)
	}
	return set, nil
}
