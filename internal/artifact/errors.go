package artifact

import "os"

func isNotExistErr(err error) bool {
	return err != nil && os.IsNotExist(err)
}
