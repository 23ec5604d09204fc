package caseunit

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/equinor/fmu-sumo-uploader/pkg/fileunit"
	"github.com/equinor/fmu-sumo-uploader/pkg/metadata"
	"github.com/equinor/fmu-sumo-uploader/pkg/uploaderr"
)

// firstRealizationUnit returns the first unit whose document belongs to a
// realization.
func firstRealizationUnit(units []*fileunit.Unit) *fileunit.Unit {
	for _, u := range units {
		if u.Document().String("fmu.realization.uuid") != "" {
			return u
		}
	}

	return nil
}

// prepareEnsemble registers the realization and iteration objects the
// files hang under, when the service does not know them yet. Failures are
// logged; the file uploads go ahead regardless.
func (c *Case) prepareEnsemble(ctx context.Context, parentID string, units []*fileunit.Unit) {
	if !c.opts.RegisterEnsemble {
		return
	}

	c.mu.Lock()
	done := c.ensembleDone
	c.mu.Unlock()

	if done {
		return
	}

	u := firstRealizationUnit(units)
	if u == nil {
		return
	}

	base := u.Document()
	realizationUUID := base.String("fmu.realization.uuid")
	iterationUUID := base.String("fmu.iteration.uuid")

	log := c.log.WithFields(logrus.Fields{
		"realization": realizationUUID,
		"iteration":   iterationUUID,
	})

	classes, err := c.reg.Classes(ctx, realizationUUID, iterationUUID)
	if err != nil {
		log.WithError(err).Error("Failed to look up realization and iteration objects")

		return
	}

	if _, ok := classes[realizationUUID]; !ok {
		realization := ensembleDocument(base, metadata.ClassRealization)

		if _, ok := classes[iterationUUID]; !ok && iterationUUID != "" {
			iteration := ensembleDocument(realization, metadata.ClassIteration)
			iteration.Delete("fmu.realization")

			if err := c.registerObject(ctx, iteration, parentID); err != nil {
				log.WithError(err).Error("Failed to register iteration object")

				return
			}
		}

		if err := c.registerObject(ctx, realization, parentID); err != nil {
			log.WithError(err).Error("Failed to register realization object")

			return
		}

		log.Info("Realization object registered")
	}

	c.mu.Lock()
	c.ensembleDone = true
	c.mu.Unlock()
}

func (c *Case) registerObject(ctx context.Context, doc metadata.Document, parentID string) error {
	_, err := c.reg.Register(ctx, doc, parentID)
	if uploaderr.Is(err, uploaderr.KindConflict) {
		return nil
	}

	return err
}

// ensembleDocument derives a realization or iteration document from a
// file document.
func ensembleDocument(base metadata.Document, class string) metadata.Document {
	doc := base.Clone()
	doc.Delete("data")
	doc.Delete("file")
	doc.Delete("display")
	doc.Delete("_sumo")
	doc.Set("class", class)
	doc.Set("fmu.context.stage", class)

	return doc
}
