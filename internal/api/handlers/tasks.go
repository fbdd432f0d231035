package handlers

import (
	"context"
	"net/http"

	"github.com/concave-dev/nexa/internal/protocol"
	"github.com/concave-dev/nexa/internal/registry"
	"github.com/concave-dev/nexa/internal/validate"
	"github.com/gin-gonic/gin"
)

// TaskView is a task as the API shows it.
type TaskView struct {
	protocol.TaskInfo
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason,omitempty"`
}

func viewOf(t registry.Task) TaskView {
	return TaskView{TaskInfo: t.Info(), Attempts: t.Attempts, Reason: t.Reason}
}

// HandleTasks lists tasks known to this node, optionally filtered by
// ?state=.
func HandleTasks(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		state := protocol.TaskState(c.Query("state"))

		views := make([]TaskView, 0)
		for _, t := range d.Registry.Tasks() {
			if state != "" && t.State != state {
				continue
			}
			views = append(views, viewOf(t))
		}
		c.JSON(http.StatusOK, gin.H{"tasks": views, "count": len(views)})
	}
}

// HandleTaskByID returns one task.
func HandleTaskByID(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		task, err := d.Registry.Task(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, viewOf(task))
	}
}

// HandleSubmitTask submits a task. A task whose routing key belongs to
// another node is placed there. The id is generated when omitted.
func HandleSubmitTask(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var info protocol.TaskInfo
		if err := c.ShouldBindJSON(&info); err != nil {
			badRequest(c, "invalid task: "+err.Error())
			return
		}
		if info.ID == "" {
			info.ID = protocol.NewID()
		}
		if err := validate.Struct(&info); err != nil {
			badRequest(c, "invalid task: "+err.Error())
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), d.timeout())
		defer cancel()

		placement, err := d.Scheduler.SubmitRouted(ctx, registry.TaskFromInfo(info))
		if err != nil {
			writeError(c, err)
			return
		}

		code := http.StatusCreated
		if placement.State == protocol.TaskQueued {
			code = http.StatusAccepted
		}
		c.JSON(code, placement)
	}
}
